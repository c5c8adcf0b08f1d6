package goruntime

import (
	"sync"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

// regionStart is the base of the VA range reserved for the Go runtime's own
// heap, kept well clear of both the kernel heap window (kheap.HeapStart) and
// the user address space.
const regionStart uintptr = 0xFFFF_FFFF_0000_0000

// regionEnd bounds how much VA space sysReserve can hand out; chosen to sit
// entirely below kheap.HeapStart.
const regionEnd uintptr = 0xFFFF_FFFF_4000_0000

var (
	regionMu   sync.Mutex
	regionNext uintptr = regionStart
)

// ErrRegionExhausted is returned (via panic, matching sysReserve's contract)
// when the Go runtime's reserved VA window is exhausted.
var ErrRegionExhausted = &kernel.Error{Module: "goruntime", Message: "go runtime VA region exhausted"}

// reserveRegion bump-allocates size bytes (rounded up to a page) of virtual
// address space for the Go runtime's exclusive use. It never backs the
// region with physical memory — that's sysMap/sysAlloc's job.
func reserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	regionMu.Lock()
	defer regionMu.Unlock()

	size = mem.Size((size + mem.PageSize - 1) &^ (mem.PageSize - 1))
	if regionNext+uintptr(size) > regionEnd {
		return 0, ErrRegionExhausted
	}

	start := regionNext
	regionNext += uintptr(size)
	return start, nil
}
