// Package kheap implements the kernel's general-purpose dynamic heap: a
// single buddy tree spanning a fixed 1 GiB virtual window, with pages mapped
// in lazily as allocations touch them rather than all at once at boot.
package kheap

import (
	"sync"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/buddy"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
)

const (
	// HeapStart is the fixed virtual base of the kernel heap window.
	HeapStart uintptr = 0xFFFF_FFFF_4000_0000

	// Levels and BaseOrder size the heap's buddy tree to cover exactly
	// 1 GiB (2^(Levels-1+BaseOrder) bytes) in 64-byte base blocks.
	Levels    uint8 = 25
	BaseOrder uint8 = 6

	// pageOrder is the order (relative to BaseOrder) of one page: log2(4096) - BaseOrder.
	pageOrder = uint8(12 - BaseOrder)
)

// AccountingSize returns the number of bytes the heap's buddy-tree
// accounting array occupies. The caller must map this many bytes
// (page-rounded) somewhere before calling Init and pass that address in.
func AccountingSize() int {
	return buddy.BlocksInTree(Levels)
}

var (
	// ErrNotInitialized is returned by Alloc and AllocSpecific before Init has run.
	ErrNotInitialized = &kernel.Error{Module: "kheap", Message: "heap used before Init"}
	// ErrOutOfMemory is returned when no free block of the requested size exists.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "heap exhausted"}
	// ErrTooLarge is returned for a request bigger than the heap's maximum block.
	ErrTooLarge = &kernel.Error{Module: "kheap", Message: "allocation exceeds the heap's maximum block size"}
)

var (
	mu          sync.Mutex
	tree        *buddy.Tree
	physAlloc   vmm.FrameAllocatorFn
	physDealloc vmm.DeallocatorFn
)

// The following indirections exist so tests can exercise Alloc/Dealloc's
// bookkeeping without a real recursive-mapping page table behind them.
var (
	translateFn = vmm.Translate
	mapFn       = vmm.Map
	mapToFn     = vmm.MapTo
	unmapFn     = vmm.Unmap
)

// Init prepares the heap for use. accountingVA must already be mapped for at
// least AccountingSize() bytes (rounded up to a page); physAlloc/physDealloc
// back the physical frames this heap's own lazily-mapped pages use.
func Init(accountingVA uintptr, physAllocFn vmm.FrameAllocatorFn, physDeallocFn vmm.DeallocatorFn) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	blocks := blockSliceAt(accountingVA, AccountingSize())
	tree = buddy.Init(Levels, BaseOrder, blocks)
	physAlloc = physAllocFn
	physDealloc = physDeallocFn
	return nil
}

// order returns the minimal block order that can hold size bytes.
func order(size mem.Size) uint8 {
	blockSize := mem.Size(1) << BaseOrder
	if size <= blockSize {
		return 0
	}

	var o uint8
	for blockSize<<o < size {
		o++
	}
	return o
}

// pagesCovering returns the number of 4 KiB pages an order-`ord` block spans.
func pagesCovering(ord uint8) int {
	size := mem.Size(1) << (BaseOrder + ord)
	return int(size.Pages())
}

// Alloc reserves a block able to hold size bytes and returns its virtual
// address, mapping in any pages of the block that are not already backed by
// physical memory (zeroed on first touch).
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	mu.Lock()
	defer mu.Unlock()

	if tree == nil {
		return 0, ErrNotInitialized
	}

	ord := order(size)
	if ord > tree.MaxOrder() {
		return 0, ErrTooLarge
	}

	offset, ok := tree.Allocate(ord)
	if !ok {
		return 0, ErrOutOfMemory
	}

	addr := HeapStart + offset
	if err := ensureMapped(addr, pagesCovering(ord)); err != nil {
		tree.Free(offset, ord)
		return 0, err
	}

	return addr, nil
}

// ensureMapped lazily maps any page in [addr, addr+pageCount*4096) that
// isn't already backed, zeroing it on first mapping.
func ensureMapped(addr uintptr, pageCount int) *kernel.Error {
	page := mem.PageFromAddress(addr)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		if _, err := translateFn(page.Address()); err == nil {
			continue
		}
		if err := mapFn(page, vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagGlobal, physAlloc, true); err != nil {
			return err
		}
	}
	return nil
}

// Dealloc releases a block previously returned by Alloc. Pages fully
// contained within a released block of at least page size are unmapped and
// their frames returned to the physical allocator; sub-page allocations
// leave their containing page mapped (the original implementation's
// leave-it-mapped-unless-the-whole-page-frees-up bookkeeping needs direct
// tree-node inspection the buddy package doesn't expose, and reclaiming a
// sub-page-granularity heap page promptly is not load-bearing for boot).
func Dealloc(addr uintptr, size mem.Size) {
	mu.Lock()
	defer mu.Unlock()

	if tree == nil {
		return
	}

	ord := order(size)
	offset := addr - HeapStart
	tree.Free(offset, ord)

	if ord < pageOrder {
		return
	}

	page := mem.PageFromAddress(addr)
	for i := 0; i < pagesCovering(ord); i, page = i+1, page+1 {
		_ = unmapFn(page, vmm.Free, physDealloc)
	}
}

// AllocSpecific reserves a block of the given frame count backed by a
// caller-chosen run of physical frames starting at physicalBeginFrame,
// rather than frames obtained from the physical allocator. Used to give a
// process-owned physical range a kernel-addressable alias.
func AllocSpecific(physicalBeginFrame mem.Frame, frames uint32) (uintptr, *kernel.Error) {
	mu.Lock()
	defer mu.Unlock()

	if tree == nil {
		return 0, ErrNotInitialized
	}

	size := mem.Size(frames) * mem.PageSize
	ord := order(size)
	if ord > tree.MaxOrder() {
		return 0, ErrTooLarge
	}

	offset, ok := tree.Allocate(ord)
	if !ok {
		return 0, ErrOutOfMemory
	}

	addr := HeapStart + offset
	page := mem.PageFromAddress(addr)
	frame := physicalBeginFrame
	for i := 0; i < pagesCovering(ord); i, page, frame = i+1, page+1, frame+1 {
		if err := mapToFn(page, frame, vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagGlobal, physAlloc); err != nil {
			tree.Free(offset, ord)
			return 0, err
		}
	}

	return addr, nil
}

// DeallocSpecific releases a block previously returned by AllocSpecific. The
// backing physical frames are not returned to the physical allocator — they
// were never owned by it.
func DeallocSpecific(addr uintptr, frames uint32) {
	mu.Lock()
	defer mu.Unlock()

	if tree == nil {
		return
	}

	size := mem.Size(frames) * mem.PageSize
	ord := order(size)
	offset := addr - HeapStart
	tree.Free(offset, ord)

	page := mem.PageFromAddress(addr)
	for i := 0; i < pagesCovering(ord); i, page = i+1, page+1 {
		_ = unmapFn(page, vmm.NoFree, nil)
	}
}
