package pmm

import (
	"reflect"
	"unsafe"

	"github.com/Restioson/wolffia/kernel/mem/buddy"
)

// unsafeBlockSlice overlays a []buddy.Block of length n on top of raw
// allocator-owned memory at addr, mirroring the kernel's established
// "reflect.SliceHeader over a bare address" idiom (see mem.Memset) for
// turning allocator output into a typed Go slice without an allocation.
func unsafeBlockSlice(addr uintptr, n int) []buddy.Block {
	return *(*[]buddy.Block)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  n,
		Cap:  n,
		Data: addr,
	}))
}
