// Package pmm implements the physical frame allocator: up to 256 one-GiB
// buddy trees, one per gibibyte of physical address space, bootstrapped in
// two stages as described by the bootstrap allocator and kernel heap.
package pmm

import (
	"sync"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/bootmem"
	"github.com/Restioson/wolffia/kernel/mem/buddy"
)

const (
	// Levels is the number of buddy-tree levels per GiB tree: 2^18 base
	// blocks of 4096 bytes each cover exactly 1 GiB.
	Levels = 19

	// BaseOrder is the tree's base order; 1<<BaseOrder == mem.PageSize.
	BaseOrder = 12

	// Slots is the maximum number of GiB trees the allocator can track,
	// i.e. the maximum physical address space supported (256 GiB).
	Slots = 256

	// bootstrapSlots is the number of trees seeded directly from the
	// bootstrap heap during InitStage1, before the kernel heap exists.
	bootstrapSlots = bootmem.Slots
)

// blocksPerTree is the backing-array length every GiB tree requires.
var blocksPerTree = buddy.BlocksInTree(Levels)

// blockArraySize is the byte size of one tree's backing array.
var blockArraySize = mem.Size(blocksPerTree) // one byte per buddy.Block

// TreeAccountingSize returns the byte size of a single GiB tree's backing
// array, the figure kmain needs to size the bootstrap heap's fixed slots.
func TreeAccountingSize() mem.Size {
	return blockArraySize
}

// treeSlot guards one GiB tree. A nil Tree means that gibibyte of physical
// address space has not been initialized (InitStage2 not yet reached it, or
// it is beyond the machine's installed memory).
type treeSlot struct {
	mu   sync.Mutex
	tree *buddy.Tree
}

// Allocator is the physical frame allocator: 256 independently-locked GiB
// trees. Allocate/Deallocate never take more than one slot lock at a time,
// and never call back into the virtual-memory mapper while holding one
// (§5 lock ordering: the active page-map lock is always outermost).
type Allocator struct {
	slots [Slots]treeSlot
}

var (
	// ErrOutOfMemory is returned when no tree has a free block of the
	// requested order.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free physical memory of the requested order"}
)

// UsableRange describes a bootloader-reported range of usable physical
// memory, in bytes.
type UsableRange = mem.Range

// InitStage1 seeds the first bootstrapSlots (8) GiB trees using bootMem as
// their backing storage, marking the whole range used except for the
// supplied usable sub-ranges. bootMem must already be initialized with
// enough backing memory for 8 slots of blockArraySize bytes each.
func (a *Allocator) InitStage1(bootMem *bootmem.Heap, usable []UsableRange) *kernel.Error {
	for i := 0; i < bootstrapSlots; i++ {
		box, err := bootMem.Allocate()
		if err != nil {
			return err
		}

		blocks := blocksFromAddr(box.Addr, blocksPerTree)
		tree := buddy.New(Levels, BaseOrder, blocks)
		markAllUsed(blocks)

		a.freeLocalUsableRanges(tree, uint8(i), usable)
		a.slots[i].tree = tree
	}

	return nil
}

// InitStage2 seeds GiB trees bootstrapSlots..gib (inclusive) using the
// kernel heap allocator function allocFn to obtain each tree's backing
// array, then frees the usable sub-ranges of each into its tree. allocFn is
// expected to be kheap.Alloc; it is called with blockArraySize.
func (a *Allocator) InitStage2(gib uint8, usable []UsableRange, allocFn func(mem.Size) (uintptr, *kernel.Error)) *kernel.Error {
	for i := bootstrapSlots; i <= int(gib); i++ {
		addr, err := allocFn(blockArraySize)
		if err != nil {
			return err
		}

		blocks := blocksFromAddr(addr, blocksPerTree)
		markAllUsed(blocks)
		tree := buddy.New(Levels, BaseOrder, blocks)

		a.freeLocalUsableRanges(tree, uint8(i), usable)
		a.slots[i].tree = tree
	}

	return nil
}

// freeLocalUsableRanges frees, within the given GiB-local tree, every
// sub-range of usable that falls inside gibibyte gib.
func (a *Allocator) freeLocalUsableRanges(tree *buddy.Tree, gib uint8, usable []UsableRange) {
	gibStart := uintptr(gib) << 30
	gibEnd := gibStart + (1 << 30)

	for _, r := range usable {
		if r.End <= gibStart || r.Start >= gibEnd {
			continue
		}

		start := r.Start
		if start < gibStart {
			start = gibStart
		}
		end := r.End
		if end > gibEnd {
			end = gibEnd
		}

		freeByteRange(tree, start-gibStart, end-gibStart)
	}
}

// freeByteRange frees every page-order block fully contained in
// [start, end) of a GiB-local tree, one base block at a time. A
// production allocator would coalesce this into larger orders; the
// straightforward one-page-at-a-time free keeps the bootstrap path simple
// and is only ever run once, at boot.
func freeByteRange(tree *buddy.Tree, start, end uintptr) {
	pageSize := uintptr(mem.PageSize)
	for addr := start - start%pageSize; addr+pageSize <= end; addr += pageSize {
		tree.Free(addr, 0)
	}
}

func markAllUsed(blocks []buddy.Block) {
	for i := range blocks {
		blocks[i] = buddy.NewUsedBlock()
	}
}

func blocksFromAddr(addr uintptr, n int) []buddy.Block {
	return unsafeBlockSlice(addr, n)
}

// Allocate reserves a free physical frame range of the requested order,
// using the UNTRIED/TRIED/WAS_IN_USE retry loop: it visits every
// not-yet-tried slot, skipping slots currently locked by a concurrent
// caller (revisiting them once every other slot has been tried), stopping
// as soon as one slot satisfies the request.
func (a *Allocator) Allocate(order mem.PageOrder) (mem.Frame, *kernel.Error) {
	const (
		untried = iota
		tried
		wasInUse
	)

	var state [Slots]uint8

	for {
		index := -1
		for i := 0; i < Slots; i++ {
			if state[i] == untried {
				index = i
				break
			}
		}
		if index == -1 {
			for i := 0; i < Slots; i++ {
				if state[i] == wasInUse {
					index = i
					break
				}
			}
		}
		if index == -1 {
			return mem.InvalidFrame, ErrOutOfMemory
		}

		slot := &a.slots[index]
		if !slot.mu.TryLock() {
			state[index] = wasInUse
			continue
		}

		tree := slot.tree
		if tree == nil {
			slot.mu.Unlock()
			state[index] = tried
			continue
		}

		off, ok := tree.Allocate(uint8(order))
		slot.mu.Unlock()
		if !ok {
			state[index] = tried
			continue
		}

		addr := off + (uintptr(index) << (Levels - 1 + BaseOrder))
		return mem.FrameFromAddress(addr), nil
	}
}

// Deallocate releases the frame range of the given order starting at frame
// back to whichever GiB tree owns it.
func (a *Allocator) Deallocate(frame mem.Frame, order mem.PageOrder) {
	addr := frame.Address()
	index := addr >> (Levels - 1 + BaseOrder)
	localAddr := addr % (1 << (Levels - 1 + BaseOrder))

	slot := &a.slots[index]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.tree.Free(localAddr, uint8(order))
}
