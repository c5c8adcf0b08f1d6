// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator: it redirects the runtime's sysReserve/sysMap/
// sysAlloc hooks onto the kernel's own virtual and physical memory
// subsystems so `make`/`new`/the garbage collector work before any other
// kernel subsystem is initialized.
package goruntime

import (
	"unsafe"

	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
)

var (
	mapFn        = vmm.Map
	frameAllocFn vmm.FrameAllocatorFn
)

// SetFrameAllocator registers the physical frame source sysMap/sysAlloc draw
// from. Called once by kmain after the physical allocator's first bootstrap
// stage is ready, before any Go allocation can occur.
func SetFrameAllocator(fn vmm.FrameAllocatorFn) {
	frameAllocFn = fn
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionStartAddr, err := reserveRegion(mem.Size(size))
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap establishes a mapping for a particular memory region that has been
// reserved previously via a call to sysReserve.
//
// Unlike the upstream runtime.sysMap/the teacher's version, this maps real
// zeroed frames eagerly rather than a shared zero page that becomes
// copy-on-write on first fault: this kernel never registers a page-fault
// handler (copy-on-write is out of scope), so a faultable mapping would
// simply triple-fault instead of completing the allocation.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	pageCount := regionSize >> mem.PageShift

	mapFlags := vmm.FlagRW | vmm.FlagNoExecute
	for page := mem.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := mapFn(page, mapFlags, frameAllocFn, true); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves enough VA space and physical frames to satisfy the
// allocation request and establishes a contiguous virtual page mapping for
// them, returning the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := mem.Size(size)
	regionStartAddr, err := reserveRegion(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return sysMap(unsafe.Pointer(regionStartAddr), uintptr(regionSize), true, sysStat)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
