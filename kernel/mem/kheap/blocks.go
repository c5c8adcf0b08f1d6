package kheap

import (
	"reflect"
	"unsafe"

	"github.com/Restioson/wolffia/kernel/mem/buddy"
)

// blockSliceAt overlays n buddy.Block entries starting at addr as a Go
// slice, the same reflect.SliceHeader trick mem.Memset and the physical
// allocator's block accounting use.
func blockSliceAt(addr uintptr, n int) []buddy.Block {
	var blocks []buddy.Block
	header := (*reflect.SliceHeader)(unsafe.Pointer(&blocks))
	header.Data = addr
	header.Len = n
	header.Cap = n
	return blocks
}
