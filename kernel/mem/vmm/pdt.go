package vmm

import (
	"unsafe"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

// PageDirectoryTable describes the top-level (PML4) table of a paging
// hierarchy.
type PageDirectoryTable struct {
	pdtFrame mem.Frame
}

// recursiveEntryAddr returns the virtual address of a PML4's own last entry
// (the recursive slot), given that PML4's physical frame is currently
// mapped as the active one.
func recursiveEntryAddr(activeFrame mem.Frame) uintptr {
	return activeFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
}

// physPtrFn dereferences a physical (identity-mapped) address, used for the
// handful of places pdt.go touches the active table's own recursive slot
// directly rather than through a recursive-mapping walk. Tests override this
// to redirect into host memory.
var physPtrFn = func(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(physAddr) //nolint:govet
}

// Init sets up a fresh page directory table at pdtFrame: clears its
// contents and installs the recursive self-mapping in its last entry. If
// pdtFrame is already the active table, only the recursive entry is
// (re)installed.
func (pdt *PageDirectoryTable) Init(pdtFrame mem.Frame, allocFn FrameAllocatorFn) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	activePdtFrame := mem.Frame(activePDTFn() >> mem.PageShift)
	if pdtFrame == activePdtFrame {
		lastEntry := (*pageTableEntry)(physPtrFn(recursiveEntryAddr(activePdtFrame)))
		*lastEntry = 0
		lastEntry.SetFlags(FlagPresent | FlagRW)
		lastEntry.SetFrame(pdtFrame)
		return nil
	}

	tempPage, err := MapTemporary(pdtFrame, allocFn)
	if err != nil {
		return err
	}

	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	lastEntry := (*pageTableEntry)(unsafe.Pointer(tempPage.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	_ = UnmapTemporary(tempPage)
	return nil
}

// WithInactive temporarily repoints the active table's recursive slot 510
// at pdt's frame, flushes the TLB, runs fn (which can then use the normal
// Map/Unmap/walk functions to edit pdt as if it were active), and restores
// the recursive slot afterwards.
func (pdt PageDirectoryTable) WithInactive(fn func() *kernel.Error) *kernel.Error {
	activePdtFrame := mem.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		return fn()
	}

	lastEntryAddr := recursiveEntryAddr(activePdtFrame)
	lastEntry := (*pageTableEntry)(physPtrFn(lastEntryAddr))
	lastEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	err := fn()

	lastEntry.SetFrame(activePdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	return err
}

// kernelEntryIndex is the PML4 slot the bootstrap sequence reserves for the
// shared kernel higher half; every process page table inherits it verbatim
// so the kernel stays mapped once that table is activated.
const kernelEntryIndex = 511

// InheritKernelMapping copies the active PML4's kernel-half entry (index
// 511) into pdt's own frame via a temporary mapping. Called once while
// building a fresh process address space, before it is ever activated.
//
// Not covered by host tests: unlike walk()/MapTo, this reads through the
// real recursive self-map virtual address (pdtVirtualAddr) rather than a
// mockable indirection, since it only resolves against genuine hardware
// paging structures.
func (pdt PageDirectoryTable) InheritKernelMapping(allocFn FrameAllocatorFn) *kernel.Error {
	activeEntryAddr := pdtVirtualAddr + (uintptr(kernelEntryIndex) << mem.PointerShift)
	kernelEntry := *(*pageTableEntry)(unsafe.Pointer(activeEntryAddr))

	tempPage, err := MapTemporary(pdt.pdtFrame, allocFn)
	if err != nil {
		return err
	}

	dst := (*pageTableEntry)(unsafe.Pointer(tempPage.Address() + (uintptr(kernelEntryIndex) << mem.PointerShift)))
	*dst = kernelEntry

	return UnmapTemporary(tempPage)
}

// Activate switches CR3 to this table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame returns the physical frame backing this table.
func (pdt PageDirectoryTable) Frame() mem.Frame { return pdt.pdtFrame }

// TemporaryPage is a scoped handle to a single reserved virtual page used
// to map and edit the contents of a physical frame that is not otherwise
// accessible (e.g. a page-table page in an inactive hierarchy). Go has no
// destructors, so callers must call Unmap (or the package-level
// UnmapTemporary) explicitly once done; there is exactly one temporary page
// slot, and the next MapTemporary overwrites whatever a leaked handle still
// maps there.
type TemporaryPage = mem.Page

// MapTemporary establishes a temporary RW mapping of frame at the fixed
// temporary-mapping address, overwriting whatever was mapped there before.
func MapTemporary(frame mem.Frame, allocFn FrameAllocatorFn) (TemporaryPage, *kernel.Error) {
	if err := MapTo(mem.PageFromAddress(tempMappingAddr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}
	return mem.PageFromAddress(tempMappingAddr), nil
}

// UnmapTemporary releases the temporary mapping page without returning its
// frame to the physical allocator (the frame belongs to whatever inactive
// table or structure it was mapped to inspect).
func UnmapTemporary(page TemporaryPage) *kernel.Error {
	return Unmap(page, NoFree, nil)
}
