package vmm

import (
	"unsafe"

	"github.com/Restioson/wolffia/kernel/mem"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. Tests
	// override this to exercise walk() against a plain byte slice instead
	// of real page-table memory. The kernel build inlines it away.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr) //nolint:govet
	}
)

// pageTableWalker is invoked by walk with the page table entry at each
// level. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr using the recursive mapping
// installed in the active PDT's last entry, invoking walkFn once per level
// with that level's entry.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
