package vmm

import (
	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
)

const (
	// StackTop is the fixed, page-aligned top of every user process's
	// stack.
	StackTop uintptr = 0x7FFF_FFFF_E000

	// InitialStackSizePages is the number of pages mapped for a freshly
	// spawned process's stack.
	InitialStackSizePages = 16

	// StackBottom is the first address of the user stack region.
	StackBottom uintptr = StackTop - InitialStackSizePages*uintptr(mem.PageSize)

	// LastUsableUserPageAddr is the last page address a user mapping may
	// occupy: one page below the stack region.
	LastUsableUserPageAddr uintptr = StackBottom - uintptr(mem.PageSize)
)

// TryMapError enumerates the ways TryMapUserRange can refuse a request.
type TryMapError struct {
	// Kind is one of the TryMap* constants.
	Kind uint8
	// Page is the offending page, when applicable.
	Page mem.Page
}

const (
	// TryMapInvalidAddress is returned for any page whose address has
	// bit 63 set, is non-canonical, or is above the last usable user
	// page without lying in the stack region [StackBottom, StackTop);
	// stack-region pages are accepted.
	TryMapInvalidAddress uint8 = iota
	// TryMapAlreadyMapped is returned when ignoreAlreadyMapped is false
	// and a page in the range is already present.
	TryMapAlreadyMapped
)

func (e *TryMapError) Error() string {
	switch e.Kind {
	case TryMapAlreadyMapped:
		return "page already mapped"
	default:
		return "invalid user virtual address"
	}
}

// isCanonical reports whether addr is a canonical amd64 virtual address:
// bits 48-63 must all equal bit 47.
func isCanonical(addr uintptr) bool {
	const signBit = uintptr(1) << 47
	top := addr >> 48
	if addr&signBit != 0 {
		return top == 0xFFFF
	}
	return top == 0
}

// IsCanonicalAddress exposes the canonical-address check to callers outside
// this package, e.g. the ELF loader's entry-point validation.
func IsCanonicalAddress(addr uintptr) bool {
	return isCanonical(addr)
}

// validUserPageAddr reports whether addr is usable as a user page address:
// canonical, bit 63 clear (lower half), and either at or below the last
// usable user page or inside the stack region [StackBottom, StackTop).
func validUserPageAddr(addr uintptr) bool {
	const bit63 = uintptr(1) << 63
	if addr&bit63 != 0 {
		return false
	}
	if !isCanonical(addr) {
		return false
	}
	return addr <= LastUsableUserPageAddr || (addr >= StackBottom && addr <= StackTop-uintptr(mem.PageSize))
}

// TryMapUserRange validates every page in [start, start+pageCount) against
// the user address-space invariants (both ends canonical, bit 63 clear,
// within the usable user range or the stack region, and — unless
// ignoreAlreadyMapped is set — not already mapped) before mutating any page
// table. Only once the whole range passes validation does it map each page
// to a freshly allocated frame with flags, optionally zeroing it.
//
// A non-nil TryMapError means no page in the range was touched. A non-nil
// *kernel.Error means validation passed but a later page failed to map
// (e.g. the physical allocator ran out of memory); earlier pages in the
// range may already be mapped in that case.
func TryMapUserRange(start mem.Page, pageCount int, flags PageTableEntryFlag, ignoreAlreadyMapped bool, zero bool, allocFn FrameAllocatorFn) (*TryMapError, *kernel.Error) {
	page := start
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		addr := page.Address()
		if !validUserPageAddr(addr) {
			return &TryMapError{Kind: TryMapInvalidAddress, Page: page}, nil
		}

		if !ignoreAlreadyMapped {
			if _, err := pteForAddress(addr); err == nil {
				return &TryMapError{Kind: TryMapAlreadyMapped, Page: page}, nil
			}
		}
	}

	page = start
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		if err := Map(page, flags|FlagUserAccessible, allocFn, zero); err != nil {
			return nil, err
		}
	}

	return nil, nil
}
