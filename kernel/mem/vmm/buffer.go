package vmm

import (
	"math"
	"unsafe"

	"github.com/Restioson/wolffia/kernel/mem"
)

// InvalidBufferKind enumerates the ways a user-supplied buffer can fail
// validation.
type InvalidBufferKind uint8

const (
	// BufferNull is returned for a nil pointer.
	BufferNull InvalidBufferKind = iota
	// BufferInvalidLen is returned for len == 0 or len > math.MaxInt64.
	BufferInvalidLen
	// BufferUnaligned is returned when ptr is not aligned to the
	// element type's size.
	BufferUnaligned
	// BufferOverlapsKernelSpace is returned when [ptr, ptr+len) crosses
	// into the kernel's higher-half address range.
	BufferOverlapsKernelSpace
	// BufferUnmapped is returned when a page the buffer covers is not
	// mapped, or is mapped without FlagUserAccessible.
	BufferUnmapped
)

// InvalidBufferError reports why TryBorrowUserBuffer rejected a buffer.
type InvalidBufferError struct {
	Kind InvalidBufferKind
}

func (e *InvalidBufferError) Error() string {
	switch e.Kind {
	case BufferNull:
		return "buffer pointer is null"
	case BufferInvalidLen:
		return "buffer length is zero or exceeds the maximum signed length"
	case BufferUnaligned:
		return "buffer pointer is not properly aligned"
	case BufferOverlapsKernelSpace:
		return "buffer overlaps kernel address space"
	default:
		return "buffer page is unmapped or not user-accessible"
	}
}

// kernelSpaceStart is the first address of the higher half; any user buffer
// whose range crosses this boundary is rejected outright.
const kernelSpaceStart = uintptr(1) << 63

// BorrowedKernelBuffer is a validated, read-only view of a byte range
// supplied by user code, established by TryBorrowUserBuffer before any
// syscall handler is allowed to read from it.
type BorrowedKernelBuffer struct {
	ptr uintptr
	len uintptr
}

// TryBorrowUserBuffer validates ptr/len against every invariant a borrowed
// user buffer must satisfy before it is safe to read: non-null, non-zero
// length not exceeding math.MaxInt64, alignment for a byte buffer (1, so
// always satisfied — kept explicit for parity with typed buffers),
// no overlap with kernel address space, and every covered page mapped with
// FlagUserAccessible.
func TryBorrowUserBuffer(ptr uintptr, length uintptr) (*BorrowedKernelBuffer, *InvalidBufferError) {
	if ptr == 0 {
		return nil, &InvalidBufferError{Kind: BufferNull}
	}
	if length == 0 || length > uintptr(math.MaxInt64) {
		return nil, &InvalidBufferError{Kind: BufferInvalidLen}
	}
	if ptr%unsafe.Alignof(byte(0)) != 0 {
		return nil, &InvalidBufferError{Kind: BufferUnaligned}
	}

	end := ptr + length
	if end < ptr || end > kernelSpaceStart || ptr >= kernelSpaceStart {
		return nil, &InvalidBufferError{Kind: BufferOverlapsKernelSpace}
	}

	firstPage := mem.PageFromAddress(ptr)
	lastPage := mem.PageFromAddress(end - 1)
	for page := firstPage; page <= lastPage; page++ {
		pte, err := pteForAddress(page.Address())
		if err != nil || !pte.HasFlags(FlagUserAccessible) {
			return nil, &InvalidBufferError{Kind: BufferUnmapped}
		}
	}

	return &BorrowedKernelBuffer{ptr: ptr, len: length}, nil
}

// Bytes overlays the validated range as a read-only []byte. Valid only for
// the lifetime of the syscall that produced this buffer; the caller's
// address space must remain active throughout.
func (b *BorrowedKernelBuffer) Bytes() []byte {
	return mem.ByteSliceAt(b.ptr, int(b.len))
}
