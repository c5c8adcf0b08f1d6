// Package buddy implements a binary buddy allocator over a flat array of
// per-node "largest free order" counters, the same structure the physical
// allocator and kernel heap both lay one instance of over their backing
// storage. Each tree covers 2^(levels-1+baseOrder) bytes and is addressed in
// units of 2^baseOrder (the base block size).
package buddy

import "github.com/Restioson/wolffia/kernel/mem"

// blockFree marks a tree node whose subtree has no free blocks at all.
const blockFree = 0xff

// Block is one node of the tree. Its value is either blockFree (no
// descendant block, including itself, is available) or the largest order
// (relative to the tree's base order) of a free block somewhere in its
// subtree. Leaves store either 0 (free) or blockFree (used).
type Block uint8

// NewUsedBlock returns a Block initialized as fully allocated.
func NewUsedBlock() Block { return blockFree }

// Levels returns the number of levels a tree needs to cover size bytes with
// the given base order, rounding up to the next whole level.
func Levels(size mem.Size, baseOrder uint8) uint8 {
	base := mem.Size(1) << baseOrder
	var levels uint8 = 1
	for base<<(levels-1) < size {
		levels++
	}
	return levels
}

// BlocksInTree returns the number of Block entries a tree with the given
// number of levels requires: 2^levels - 1, the size of a complete binary
// tree with 2^(levels-1) leaves.
func BlocksInTree(levels uint8) int {
	return (1 << levels) - 1
}

// Tree is a binary buddy allocator over a caller-provided backing array of
// Block nodes. Levels and BaseOrder are fixed for the lifetime of the tree;
// Levels-1 is the maximum order Allocate will accept.
type Tree struct {
	Levels    uint8
	BaseOrder uint8
	blocks    []Block
}

// New creates a buddy tree over blocks, which must have length
// BlocksInTree(levels) and should be pre-initialized by the caller: either
// all NewUsedBlock() (nothing free yet, the caller frees ranges in after the
// fact) or properly seeded as described by Init.
func New(levels, baseOrder uint8, blocks []Block) *Tree {
	return &Tree{Levels: levels, BaseOrder: baseOrder, blocks: blocks}
}

// Init initializes a freshly allocated (zero-valued) backing array as a
// completely free tree: every node's largest-free-order is set from its
// depth.
func Init(levels, baseOrder uint8, blocks []Block) *Tree {
	t := &Tree{Levels: levels, BaseOrder: baseOrder, blocks: blocks}
	t.markAllFree(0, 0, levels-1)
	return t
}

func (t *Tree) markAllFree(index int, depth int, order uint8) {
	t.blocks[index] = Block(order)
	if order == 0 {
		return
	}
	left, right := childIndices(index)
	t.markAllFree(left, depth+1, order-1)
	t.markAllFree(right, depth+1, order-1)
}

// MaxOrder returns the largest order this tree can allocate.
func (t *Tree) MaxOrder() uint8 { return t.Levels - 1 }

// blockSize returns the byte size of an order-`order` block.
func (t *Tree) blockSize(order uint8) mem.Size {
	return mem.Size(1) << (t.BaseOrder + order)
}

func childIndices(index int) (left, right int) {
	return 2*index + 1, 2*index + 2
}

func parentIndex(index int) int {
	return (index - 1) / 2
}

func isLeftChild(index int) bool {
	return index%2 == 1
}

// Allocate reserves a free block of the requested order and returns its
// offset (in bytes, relative to the start of the tree's backing region), or
// ok=false if no block of that order is free.
func (t *Tree) Allocate(order uint8) (offset uintptr, ok bool) {
	if order > t.MaxOrder() || t.blocks[0] == blockFree || uint8(t.blocks[0]) < order {
		return 0, false
	}

	index := 0
	depth := t.MaxOrder()
	var off uintptr

	for depth > order {
		left, right := childIndices(index)
		if t.blocks[left] != blockFree && uint8(t.blocks[left]) >= order {
			index = left
		} else {
			index = right
			off += uintptr(t.blockSize(depth - 1))
		}
		depth--
	}

	t.blocks[index] = blockFree
	t.bubbleUp(index, order)

	return off, true
}

// Free releases a previously allocated block of the given order at offset,
// restoring the largest-free-order invariant on the path back to the root.
func (t *Tree) Free(offset uintptr, order uint8) {
	index := 0
	depth := t.MaxOrder()
	rem := offset

	for depth > order {
		size := t.blockSize(depth - 1)
		left, right := childIndices(index)
		if rem < uintptr(size) {
			index = left
		} else {
			index = right
			rem -= uintptr(size)
		}
		depth--
	}

	t.blocks[index] = Block(order)
	t.bubbleUp(index, order)
}

// bubbleUp recomputes each ancestor's largest-free-order from its two
// children after an Allocate or Free at index (whose own order is
// childOrder) has changed it.
func (t *Tree) bubbleUp(index int, childOrder uint8) {
	for index != 0 {
		index = parentIndex(index)
		left, right := childIndices(index)
		t.blocks[index] = combine(t.blocks[left], t.blocks[right], childOrder)
		childOrder++
	}
}

// combine derives a parent's largest-free-order from its two children, each
// of which has order childOrder. If both children are completely free (their
// stored value equals their own full order, childOrder), the parent is free
// at one order higher; otherwise the parent offers whichever child has the
// larger free order (a smaller allocation can still be satisfied there).
func combine(left, right Block, childOrder uint8) Block {
	if left == Block(childOrder) && right == Block(childOrder) {
		return Block(childOrder + 1)
	}

	if left == blockFree && right == blockFree {
		return blockFree
	}
	if left == blockFree {
		return right
	}
	if right == blockFree {
		return left
	}
	if left > right {
		return left
	}
	return right
}

// MarkUsed forces the block of the given order at offset used, splitting
// parent blocks along the way.
func (t *Tree) MarkUsed(offset uintptr, order uint8) {
	t.Free(offset, order) // establish the node at the right level...
	// ...then immediately re-split-and-allocate it so every ancestor gets
	// its invariant recomputed as "used" rather than "free".
	t.allocateAt(offset, order)
}

func (t *Tree) allocateAt(offset uintptr, order uint8) {
	index := 0
	depth := t.MaxOrder()
	rem := offset

	for depth > order {
		size := t.blockSize(depth - 1)
		left, right := childIndices(index)
		if rem < uintptr(size) {
			index = left
		} else {
			index = right
			rem -= uintptr(size)
		}
		depth--
	}

	t.blocks[index] = blockFree
	t.bubbleUp(index, order)
}
