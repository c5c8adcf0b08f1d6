// Package vmm implements the virtual memory mapper: page-table-entry
// manipulation, the recursive-mapping page walk, Map/Unmap over the active
// and inactive page directory tables, and the validated user-range mapping
// entry points the process loader and syscall dispatcher build on.
package vmm

import (
	"math"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

const (
	// pageLevels is the number of page-table levels on amd64 (PML4,
	// PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51)
	// from a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical-frame mappings, e.g. to access an inactive PDT's
	// contents. It resolves through table indices 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// recursiveSlot is the PML4 index that maps back to the PML4 itself,
	// enabling the recursive-mapping trick walk() relies on.
	recursiveSlot = 510
)

var (
	// pdtVirtualAddr is the virtual address that, thanks to the
	// recursive PML4 entry, the MMU resolves back onto the PML4 itself
	// regardless of which level is being walked.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual-address bits consumed by
	// each page-table level (9 bits -> 512 entries per level on amd64).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit shift used to extract each level's
	// index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for this page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty

	// FlagHugePage marks a 2MiB/1GiB page; this mapper never creates one
	// (see spec Non-goals) but still recognizes it: MapTo refuses to walk
	// through one, and Unmap clears a 2 MiB one.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry on a CR3
	// reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page that should be copied on
	// the next write fault. Mutually exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = 1 << 63
)

// pageTableEntry describes one entry of a page table. Format and flag
// semantics are architecture-dependent (amd64 here).
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the input flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame this entry points to.
func (pte pageTableEntry) Frame() mem.Frame {
	return mem.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the entry to point at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mem.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// ErrInvalidMapping is returned when looking up a virtual address that is
// not currently mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// pteForAddress returns the final-level page table entry for virtAddr,
// performing a full page-table walk. Returns ErrInvalidMapping if any level
// along the way is not present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
