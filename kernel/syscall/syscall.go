// Package syscall decodes and services the kernel's system-call ABI: the
// small, memory-relevant subset a user process can invoke (halt, map,
// unmap, print). Argument registers and the trampoline that gets here from
// ring 3 are outside this package's scope; Dispatch is the boundary.
package syscall

import (
	"io"
	"unicode/utf8"

	"github.com/Restioson/wolffia/kernel/cpu"
	"github.com/Restioson/wolffia/kernel/hal"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
)

// Number identifies a system call, decoded from the R1 argument register.
type Number uint64

const (
	// Halt disables interrupts and stops the processor. Never returns.
	Halt Number = iota
	// Map establishes a user mapping: addr_begin, pages, flags.
	Map
	// Unmap is reserved; not implemented.
	Unmap
	// Print writes a UTF-8 user buffer to the kernel's text sink: ptr, len.
	Print
)

// MapFlag enumerates the bits a user Map call can request.
type MapFlag uint64

const (
	// MapWritable requests a writable mapping.
	MapWritable MapFlag = 1 << iota
	// MapExecutable requests an executable mapping.
	MapExecutable
)

// Return codes, negative per the syscall ABI's error taxonomy. Any negative
// value not in this list is reserved.
const (
	ErrInvalidBuffer      int64 = -1
	ErrInvalidUtf8        int64 = -2
	ErrInvalidPage        int64 = -3
	ErrInvalidPagesLength int64 = -4
	ErrOutOfMemory        int64 = -5
	// ErrNotImplemented is returned for the reserved Unmap call.
	ErrNotImplemented int64 = -128
)

// Indirections over the hardware/allocator/sink boundaries this package
// calls into, following the rest of the subsystem's testability pattern.
var (
	disableInterruptsFn = cpu.DisableInterrupts
	haltFn              = cpu.Halt
	tryMapUserRangeFn   = vmm.TryMapUserRange
	textSink            io.Writer = hal.ActiveTerminal

	// borrowUserBytesFn validates a user pointer/length pair and returns
	// the bytes it covers. A package variable (rather than calling
	// vmm.TryBorrowUserBuffer and BorrowedKernelBuffer.Bytes directly) so
	// tests can exercise doPrint's UTF-8/sink logic against a plain byte
	// slice instead of real user memory.
	borrowUserBytesFn = func(ptr, length uintptr) ([]byte, *vmm.InvalidBufferError) {
		buf, err := vmm.TryBorrowUserBuffer(ptr, length)
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
)

// FrameAllocator is the physical frame source Map draws from, supplied by
// the caller (kmain) rather than imported directly.
var FrameAllocator vmm.FrameAllocatorFn

// Dispatch decodes number and services the corresponding system call with
// arguments a1, a2, a3, returning a non-negative result on success or one
// of the negative error codes above.
func Dispatch(number uint64, a1, a2, a3 uint64) int64 {
	switch Number(number) {
	case Halt:
		return doHalt()
	case Map:
		return doMap(uintptr(a1), a2, MapFlag(a3))
	case Unmap:
		return ErrNotImplemented
	case Print:
		return doPrint(uintptr(a1), uintptr(a2))
	default:
		return ErrNotImplemented
	}
}

func doHalt() int64 {
	disableInterruptsFn()
	haltFn()
	return 0
}

func doMap(addrBegin uintptr, pages uint64, flags MapFlag) int64 {
	if addrBegin%uintptr(mem.PageSize) != 0 {
		return ErrInvalidPage
	}
	if pages == 0 {
		return ErrInvalidPagesLength
	}

	mapFlags := vmm.PageTableEntryFlag(0)
	if flags&MapWritable != 0 {
		mapFlags |= vmm.FlagRW
	}
	if flags&MapExecutable == 0 {
		mapFlags |= vmm.FlagNoExecute
	}

	tryErr, err := tryMapUserRangeFn(mem.PageFromAddress(addrBegin), int(pages), mapFlags, false, true, FrameAllocator)
	if tryErr != nil {
		return ErrInvalidPage
	}
	if err != nil {
		return ErrOutOfMemory
	}

	return 0
}

func doPrint(ptr, length uintptr) int64 {
	data, err := borrowUserBytesFn(ptr, length)
	if err != nil {
		return ErrInvalidBuffer
	}

	if !utf8.Valid(data) {
		return ErrInvalidUtf8
	}

	n, _ := textSink.Write(data)
	return int64(n)
}
