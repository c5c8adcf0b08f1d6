package vmm

import (
	"unsafe"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

var errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

// nextAddrFn computes the virtual address of the table a just-created pte
// points to, via one more level of recursive-mapping indirection. Tests
// override this to redirect into a host-side mock table array.
var nextAddrFn = func(entryAddr uintptr) uintptr {
	return entryAddr
}

// FrameAllocatorFn is a function that can allocate physical frames, supplied
// by callers instead of imported directly so that vmm never needs to import
// pmm (avoiding a package cycle: pmm's stage-2 init uses the kernel heap,
// which maps its own pages through vmm).
type FrameAllocatorFn func() (mem.Frame, *kernel.Error)

// MapTo establishes a mapping between page and frame using the currently
// active page directory table, allocating and zeroing any missing
// intermediate tables along the way via allocFn. Panics if the walk is
// blocked by an existing 2 MiB huge entry: splitting a huge page is not
// supported, and silently mapping over part of one would corrupt it.
func MapTo(page mem.Page, frame mem.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			kernel.Panic(errNoHugePageSupport)
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := allocFn()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The new table is now reachable via one more level of
			// recursive-mapping indirection; clear its contents
			// before anything walks into it.
			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// Map allocates a fresh order-0 frame via allocFn and maps it to page,
// optionally zeroing the resulting page. zero must not be requested when
// map is being used to edit an inactive table, since the virtual address is
// not live until that table is activated.
func Map(page mem.Page, flags PageTableEntryFlag, allocFn FrameAllocatorFn, zero bool) *kernel.Error {
	frame, err := allocFn()
	if err != nil {
		return err
	}

	if err := MapTo(page, frame, flags, allocFn); err != nil {
		return err
	}

	if zero {
		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	return nil
}

// MapRange maps every page in [start, start+pageCount) to consecutive
// frames starting at startFrame, using flags for every page.
func MapRange(start mem.Page, startFrame mem.Frame, pageCount int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	page, frame := start, startFrame
	for i := 0; i < pageCount; i, page, frame = i+1, page+1, frame+1 {
		if err := MapTo(page, frame, flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// FreeOrNot tells Unmap whether to return the unmapped frame to the
// physical allocator.
type FreeOrNot uint8

const (
	// Free releases the unmapped frame back to the physical allocator.
	Free FreeOrNot = iota
	// NoFree leaves frame ownership with the caller.
	NoFree
)

// DeallocatorFn releases a physical frame previously obtained from a
// FrameAllocatorFn.
type DeallocatorFn func(mem.Frame, mem.PageOrder)

// Unmap clears page's leaf entry. If free is Free, the underlying frame is
// returned to the physical allocator via deallocFn at order 0 (4 KiB) — or
// order 9 (2 MiB) if the entry turns out to be a huge page. Intermediate
// tables are never freed (documented limitation, matches spec Non-goals).
// Panics if it encounters a 1 GiB huge P3 entry: those are never produced
// by this mapper and are not supported by it.
func Unmap(page mem.Page, free FreeOrNot, deallocFn DeallocatorFn) *kernel.Error {
	var (
		err      *kernel.Error
		frame    mem.Frame
		hadFrame bool
		order    mem.PageOrder
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			frame = pte.Frame()
			hadFrame = true
			order = mem.PageOrder(0)
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			if pteLevel == pageLevels-2 {
				frame = pte.Frame()
				hadFrame = true
				order = mem.PageOrder(9)
				pte.ClearFlags(FlagPresent)
				flushTLBEntryFn(page.Address())
				return true
			}
			kernel.Panic(errNoHugePageSupport)
			return false
		}

		return true
	})

	if err == nil && free == Free && hadFrame && deallocFn != nil {
		deallocFn(frame, order)
	}

	return err
}

// SetFlags rewrites the leaf entry's flags for every page in
// [start, start+pageCount), preserving each page's physical-frame mapping.
func SetFlags(start mem.Page, pageCount int, flags PageTableEntryFlag) *kernel.Error {
	page := start
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		var err *kernel.Error
		walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel == pageLevels-1 {
				if !pte.HasFlags(FlagPresent) {
					err = ErrInvalidMapping
					return false
				}
				frame := pte.Frame()
				*pte = 0
				pte.SetFrame(frame)
				pte.SetFlags(FlagPresent | flags)
				flushTLBEntryFn(page.Address())
				return true
			}
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}
