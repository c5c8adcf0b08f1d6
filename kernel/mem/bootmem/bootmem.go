// Package bootmem implements the bitmap-backed bootstrap heap used to seed
// the first stage of the physical allocator before the kernel heap exists to
// allocate buddy-tree backing arrays from.
package bootmem

import (
	"sync"

	"github.com/Restioson/wolffia/kernel"
)

// ErrExhausted is returned by Allocate when all slots are in use.
var ErrExhausted = &kernel.Error{Module: "bootmem", Message: "bootstrap heap exhausted"}

// Heap is a fixed 8-slot bitmap allocator. Each slot is sized to hold one
// physical-allocator buddy tree's backing block array; there are exactly
// enough slots to bootstrap the first 8 GiB worth of per-GiB trees (spec
// §4.1/§4.2), after which the kernel heap takes over seeding the rest.
type Heap struct {
	mu        sync.Mutex
	used      uint8 // one bit per slot
	start     uintptr
	slotBytes uintptr
}

// Slots is the fixed slot count this heap offers.
const Slots = 8

// Init sets the heap's backing storage. start must point to memory at least
// Slots*slotBytes long, already identity- or statically-mapped (the
// bootstrap heap runs before the kernel heap's lazy page mapping exists).
func (h *Heap) Init(start uintptr, slotBytes uintptr) {
	h.start = start
	h.slotBytes = slotBytes
	h.used = 0
}

// Box is a handle to one allocated slot. Its backing memory is released back
// to the heap by calling Release; Go has no destructors, so unlike the
// bootstrap heap box this was modeled on, callers must call Release
// explicitly once the slot's tree has been migrated to kheap-backed storage.
type Box struct {
	heap *Heap
	slot uint8
	Addr uintptr
}

// Allocate reserves the lowest free slot and returns a Box pointing at its
// backing memory.
func (h *Heap) Allocate() (*Box, *kernel.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for slot := uint8(0); slot < Slots; slot++ {
		bit := uint8(1) << slot
		if h.used&bit == 0 {
			h.used |= bit
			return &Box{
				heap: h,
				slot: slot,
				Addr: h.start + uintptr(slot)*h.slotBytes,
			}, nil
		}
	}

	return nil, ErrExhausted
}

// Release returns the slot backing b to the heap. After Release, Addr must
// not be dereferenced again.
func (b *Box) Release() {
	b.heap.mu.Lock()
	defer b.heap.mu.Unlock()
	b.heap.used &^= 1 << b.slot
}

// InUse reports how many of the 8 slots are currently allocated; used only
// for diagnostics/tests.
func (h *Heap) InUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for slot := uint8(0); slot < Slots; slot++ {
		if h.used&(1<<slot) != 0 {
			n++
		}
	}
	return n
}
