// Package proc builds user process address spaces from ELF64 executables
// and runs them: loading PT_LOAD segments into a fresh page directory table
// that shares the kernel's higher half, mapping a user stack, and handing
// off to ring 3.
package proc

import (
	"bytes"
	"debug/elf"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
)

// ElfLaunchErrorKind enumerates the ways spawning a process from an ELF
// image can be refused.
type ElfLaunchErrorKind uint8

const (
	// NotExecutable is returned for a shared-object/library image or one
	// whose entry point is zero.
	NotExecutable ElfLaunchErrorKind = iota
	// Not64Bit is returned for anything other than an ELFCLASS64 image.
	Not64Bit
	// NotStaticallyLinked is returned if the image has a PT_DYNAMIC
	// program header, whether or not it names any libraries.
	NotStaticallyLinked
	// InvalidEntryPoint is returned if the entry point has bit 63 set or
	// is non-canonical.
	InvalidEntryPoint
	// InvalidPage wraps a TryMapError encountered while mapping a
	// PT_LOAD segment or the user stack.
	InvalidPage
	// ParseError wraps a failure to parse the ELF headers themselves.
	ParseError
	// InvalidHeaderRange is returned when a program header's file range
	// falls outside the supplied image.
	InvalidHeaderRange
)

// ElfLaunchError reports why SpawnFromELF refused an image. At most one of
// TryMap, Err, Addr or Range is populated, depending on Kind; NotExecutable,
// Not64Bit and NotStaticallyLinked carry none.
type ElfLaunchError struct {
	Kind   ElfLaunchErrorKind
	TryMap *vmm.TryMapError
	Addr   uintptr
	Range  mem.Range
	Err    error
}

func (e *ElfLaunchError) Error() string {
	switch e.Kind {
	case NotExecutable:
		return "elf image is not a statically linked executable"
	case Not64Bit:
		return "elf image is not 64-bit"
	case NotStaticallyLinked:
		return "elf image requires dynamic libraries"
	case InvalidEntryPoint:
		return "elf entry point is not a valid user address"
	case InvalidPage:
		return "elf image could not be mapped: " + e.TryMap.Error()
	case InvalidHeaderRange:
		return "elf program header describes a file range outside the image"
	default:
		return "elf parse error: " + e.Err.Error()
	}
}

var errStackAlreadyMapped = &kernel.Error{Module: "proc", Message: "user stack region already mapped in a fresh address space"}

// Indirections over the vmm hardware-touching entry points, following the
// same pattern kheap and physmap use: tests override these to exercise the
// orchestration logic here without a real page-table hierarchy.
var (
	tryMapUserRangeFn = vmm.TryMapUserRange
	setFlagsFn        = vmm.SetFlags
	byteSliceAtFn     = mem.ByteSliceAt

	pdtInitFn = func(pdt *vmm.PageDirectoryTable, frame mem.Frame, allocFn vmm.FrameAllocatorFn) *kernel.Error {
		return pdt.Init(frame, allocFn)
	}
	inheritKernelMappingFn = func(pdt vmm.PageDirectoryTable, allocFn vmm.FrameAllocatorFn) *kernel.Error {
		return pdt.InheritKernelMapping(allocFn)
	}
	withInactiveFn = func(pdt vmm.PageDirectoryTable, fn func() *kernel.Error) *kernel.Error {
		return pdt.WithInactive(fn)
	}
)

// parseImage validates image against the executable contract: a statically
// linked, 64-bit, ET_EXEC image with a canonical, non-null entry point in
// the lower half. Returns the parsed headers and entry point on success.
func parseImage(image []byte) (*elf.File, uintptr, *ElfLaunchError) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, 0, &ElfLaunchError{Kind: ParseError, Err: err}
	}

	if f.Type != elf.ET_EXEC || f.Entry == 0 {
		return nil, 0, &ElfLaunchError{Kind: NotExecutable}
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, 0, &ElfLaunchError{Kind: Not64Bit}
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			return nil, 0, &ElfLaunchError{Kind: NotStaticallyLinked}
		}
	}

	entry := uintptr(f.Entry)
	if entry&(uintptr(1)<<63) != 0 || !vmm.IsCanonicalAddress(entry) {
		return nil, 0, &ElfLaunchError{Kind: InvalidEntryPoint, Addr: entry}
	}

	return f, entry, nil
}

// loadSegment maps and populates one PT_LOAD program header. It always maps
// the covering pages WRITABLE first so the file contents can be copied in,
// then rewrites the range to its final permissions.
func loadSegment(prog *elf.Prog, image []byte, allocFn vmm.FrameAllocatorFn) (*ElfLaunchError, *kernel.Error) {
	writable := prog.Flags&elf.PF_W != 0
	executable := prog.Flags&elf.PF_X != 0

	finalFlags := vmm.FlagUserAccessible
	if writable {
		finalFlags |= vmm.FlagRW
	}
	if !executable {
		finalFlags |= vmm.FlagNoExecute
	}

	vAddr := uintptr(prog.Vaddr)
	pageStart := vAddr &^ uintptr(mem.PageSize-1)
	pageEnd := (vAddr + uintptr(prog.Memsz) + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
	pageCount := int((pageEnd - pageStart) / uintptr(mem.PageSize))

	if pageStart == 0 {
		return &ElfLaunchError{Kind: InvalidPage, TryMap: &vmm.TryMapError{Kind: vmm.TryMapInvalidAddress, Page: 0}}, nil
	}

	tryErr, err := tryMapUserRangeFn(mem.PageFromAddress(pageStart), pageCount, vmm.FlagRW, true, false, allocFn)
	if tryErr != nil {
		return &ElfLaunchError{Kind: InvalidPage, TryMap: tryErr}, nil
	}
	if err != nil {
		return nil, err
	}

	fileOff, fileSize := prog.Off, prog.Filesz
	if fileOff+fileSize > uint64(len(image)) {
		return &ElfLaunchError{Kind: InvalidHeaderRange, Range: mem.Range{Start: uintptr(fileOff), End: uintptr(fileOff + fileSize)}}, nil
	}

	dst := byteSliceAtFn(vAddr, int(fileSize))
	copy(dst, image[fileOff:fileOff+fileSize])

	if err := setFlagsFn(mem.PageFromAddress(pageStart), pageCount, finalFlags); err != nil {
		return nil, err
	}

	return nil, nil
}

// mapUserStack maps the fixed 16-page user stack, zeroed. A fresh address
// space never has the stack region occupied already, so an AlreadyMapped
// result is treated as an unrecoverable invariant violation rather than a
// typed launch error.
func mapUserStack(allocFn vmm.FrameAllocatorFn) *kernel.Error {
	tryErr, err := tryMapUserRangeFn(
		mem.PageFromAddress(vmm.StackBottom),
		vmm.InitialStackSizePages,
		vmm.FlagRW,
		false,
		true,
		allocFn,
	)
	if tryErr != nil {
		return errStackAlreadyMapped
	}
	return err
}

// SpawnFromELF validates image, builds a fresh address space for it
// (sharing the kernel's higher half), maps and populates every PT_LOAD
// segment plus a 16-page user stack, registers the resulting process under
// a freshly allocated id, and returns that id.
//
// Three result slots mirror the two-tier error convention used throughout
// this subsystem: a non-nil ElfLaunchError means the image itself (or one
// of its segments) was rejected outright; a non-nil kernel.Error means
// validation passed but the kernel ran out of some resource while building
// the address space.
func SpawnFromELF(image []byte, allocFn vmm.FrameAllocatorFn) (ID, *ElfLaunchError, *kernel.Error) {
	f, entry, launchErr := parseImage(image)
	if launchErr != nil {
		return 0, launchErr, nil
	}

	frame, err := allocFn()
	if err != nil {
		return 0, nil, err
	}

	var pdt vmm.PageDirectoryTable
	if err := pdtInitFn(&pdt, frame, allocFn); err != nil {
		return 0, nil, err
	}
	if err := inheritKernelMappingFn(pdt, allocFn); err != nil {
		return 0, nil, err
	}

	var loadErr *ElfLaunchError
	err = withInactiveFn(pdt, func() *kernel.Error {
		for _, prog := range f.Progs {
			if prog.Type != elf.PT_LOAD {
				continue
			}

			e, kerr := loadSegment(prog, image, allocFn)
			if e != nil {
				loadErr = e
				return nil
			}
			if kerr != nil {
				return kerr
			}
		}

		return mapUserStack(allocFn)
	})

	if loadErr != nil {
		return 0, loadErr, nil
	}
	if err != nil {
		return 0, nil, err
	}

	p := &Process{
		pageTables:     pdt,
		stackPtr:       vmm.StackTop,
		instructionPtr: entry,
		new:            true,
	}

	return register(p), nil, nil
}
