package proc

import (
	"sync"
	"sync/atomic"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/cpu"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
	"github.com/Restioson/wolffia/kernel/tss"
)

// ID identifies a process in the process table. Allocated monotonically,
// starting at 1 (0 is never a valid id).
type ID uint64

var nextID uint64

var errPIDOverflow = &kernel.Error{Module: "proc", Message: "process id counter overflowed"}

// allocateID hands out the next process id. Panics (the counter wrapping
// back to zero) is treated as an unrecoverable invariant violation: this
// kernel runs exactly one process to completion, so overflow can only mean
// memory corruption.
func allocateID() ID {
	id := atomic.AddUint64(&nextID, 1)
	if id == 0 {
		kernel.Panic(errPIDOverflow)
	}
	return ID(id)
}

// Process is one loaded, runnable user program: its address space and its
// initial register state.
type Process struct {
	pageTables     vmm.PageDirectoryTable
	stackPtr       uintptr
	instructionPtr uintptr
	new            bool
}

var (
	tableMu sync.Mutex
	table   = make(map[ID]*Process)
)

// register assigns p a fresh id and stores it in the process table.
func register(p *Process) ID {
	id := allocateID()

	tableMu.Lock()
	table[id] = p
	tableMu.Unlock()

	return id
}

// lookup returns the process stored under id, if any.
func lookup(id ID) (*Process, bool) {
	tableMu.Lock()
	defer tableMu.Unlock()

	p, ok := table[id]
	return p, ok
}

// serialPortFirst and serialPortLast bound the debug serial port range
// every process is whitelisted against on its first run.
const (
	serialPortFirst uint16 = 0x3F8
	serialPortLast  uint16 = 0x3FF
)

// jumpToUsermodeFn performs the ring-3 switch. A package variable so tests
// can observe a call without actually leaving kernel mode (the real
// implementation never returns).
var jumpToUsermodeFn = cpu.JumpToUsermode

// activatePDTFn switches to a process's address space. A package variable,
// like the other hardware-touching indirections in this subsystem, so
// tests can exercise RunByPID without a real page-table hierarchy.
var activatePDTFn = func(pdt vmm.PageDirectoryTable) { pdt.Activate() }

var errUnknownPID = &kernel.Error{Module: "proc", Message: "run_by_pid called with an unregistered process id"}

// RunByPID switches to pid's address space, whitelists its serial IO ports
// in the task state segment on first run, and jumps to user mode. Never
// returns on real hardware. The stack is already fully set up by
// SpawnFromELF, so the "new" flag only gates the one-time port
// whitelisting; a future scheduler (out of scope here, since this kernel
// never reschedules) can run a process again without redoing any setup.
func RunByPID(pid ID) *kernel.Error {
	p, ok := lookup(pid)
	if !ok {
		return errUnknownPID
	}

	activatePDTFn(p.pageTables)

	if p.new {
		p.new = false
		tss.Default.SetPortRangeUsable(serialPortFirst, serialPortLast)
	}

	jumpToUsermodeFn(p.stackPtr, p.instructionPtr)
	return nil
}
