package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the CPU for the most
// recent page fault.
func ReadCR2() uintptr

// OutB writes a byte to the given IO port.
func OutB(port uint16, value uint8)

// InB reads a byte from the given IO port.
func InB(port uint16) uint8

// LoadTSS loads the task register with the descriptor at the given GDT
// selector, activating the TSS (and its IO-permission bitmap) it points to.
func LoadTSS(selector uint16)

// JumpToUsermode switches the segment selectors to their user-mode values
// and performs an iret-style return into ring 3 at instructionPtr, with
// stackPtr loaded into the user stack pointer. Never returns.
func JumpToUsermode(stackPtr, instructionPtr uintptr)
