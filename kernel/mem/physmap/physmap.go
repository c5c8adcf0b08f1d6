// Package physmap gives kernel code a typed, kernel-addressable view of a
// fixed physical memory region — MMIO registers, ACPI tables, framebuffer
// memory — by aliasing it through the kernel heap's AllocSpecific path.
package physmap

import (
	"unsafe"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/kheap"
)

// ErrOutOfMemory is returned when the kernel heap has no room left to alias
// the requested physical region.
var ErrOutOfMemory = &kernel.Error{Module: "physmap", Message: "no heap space left to map physical region"}

// allocSpecificFn/deallocSpecificFn indirect through kheap so tests can
// substitute a fake heap without depending on a real page-mapped kernel
// heap window.
var (
	allocSpecificFn   = kheap.AllocSpecific
	deallocSpecificFn = kheap.DeallocSpecific
)

// Mapping is a scoped alias of a physical memory region as a *T. Go has no
// destructors, so callers must call Release explicitly once done; a leaked
// Mapping permanently holds its heap-window block and page mappings.
type Mapping[T any] struct {
	physicalStart uintptr
	heapBase      uintptr
	mappedLength  mem.Size
	mutable       bool
	ptr           *T
}

// MapRegion aliases size bytes of physical memory starting at physAddr as a
// *T, rounding up to whole pages. mutable controls whether MutableValue
// yields a pointer that may be written through.
func MapRegion[T any](physAddr uintptr, size mem.Size, mutable bool) (*Mapping[T], *kernel.Error) {
	frames := size.Pages()
	physicalBeginFrame := mem.FrameFromAddress(physAddr)

	heapBase, err := allocSpecificFn(physicalBeginFrame, frames)
	if err != nil {
		return nil, ErrOutOfMemory
	}

	objAddr := heapBase + (physAddr - physicalBeginFrame.Address())

	return &Mapping[T]{
		physicalStart: physicalBeginFrame.Address(),
		heapBase:      heapBase,
		mappedLength:  mem.Size(frames) * mem.PageSize,
		mutable:       mutable,
		ptr:           (*T)(unsafe.Pointer(objAddr)),
	}, nil
}

// MapType is MapRegion sized to exactly one T.
func MapType[T any](physAddr uintptr, mutable bool) (*Mapping[T], *kernel.Error) {
	var zero T
	return MapRegion[T](physAddr, mem.Size(unsafe.Sizeof(zero)), mutable)
}

// Value returns a read-only view of the mapped object.
func (m *Mapping[T]) Value() *T { return m.ptr }

// MutableValue returns a writable view of the mapped object, or nil if the
// mapping was established as read-only.
func (m *Mapping[T]) MutableValue() *T {
	if !m.mutable {
		return nil
	}
	return m.ptr
}

// Release returns the mapping's heap block (and the page mappings it holds)
// to the kernel heap. The underlying physical memory is never touched —
// physmap only ever aliases it.
func (m *Mapping[T]) Release() {
	deallocSpecificFn(m.heapBase, m.mappedLength.Pages())
}
