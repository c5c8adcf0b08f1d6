package vmm

import (
	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

// RemapRange copies the physical frame mapped to each page of
// [start, start+pageCount) in the active table and writes it into inactive
// with the given flags. Used by the boot sequence to re-publish the
// bootstrap-heap and kernel-heap accounting pages (initially mapped in the
// identity-mapped early address space) into the final, granular kernel page
// table with GLOBAL|NO_EXECUTE|WRITABLE.
func RemapRange(inactive PageDirectoryTable, start mem.Page, pageCount int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	page := start
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		// Look the frame up before switching: inside WithInactive the walk
		// resolves against the inactive table.
		pte, err := pteForAddress(page.Address())
		if err != nil {
			return err
		}
		frame := pte.Frame()
		if err := inactive.WithInactive(func() *kernel.Error {
			return MapTo(page, frame, flags, allocFn)
		}); err != nil {
			return err
		}
	}
	return nil
}
