package proc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
)

// phdr64Spec describes one PT_LOAD (or PT_DYNAMIC) program header to embed
// in a hand-built ELF64 image.
type phdr64Spec struct {
	pType  uint32
	flags  uint32
	vaddr  uint64
	data   []byte
	memsz  uint64
	offset uint64
}

// buildELF64 hand-assembles a minimal, well-formed ELF64 image with one
// program header per spec, laid out as: ELF header, program headers, then
// each segment's file data back to back. Good enough for debug/elf.NewFile
// to parse without a section table.
func buildELF64(entry uint64, specs []phdr64Spec) []byte {
	const ehsize = 64
	const phentsize = 56

	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(specs))*phentsize
	for i := range specs {
		if specs[i].offset == 0 {
			specs[i].offset = dataOff
		}
		dataOff = specs[i].offset + uint64(len(specs[i].data))
	}

	buf := make([]byte, dataOff)

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	buf[6] = 1 // EI_VERSION
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)  // e_type = ET_EXEC
	le.PutUint16(buf[18:], 62) // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)  // e_version
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], phoff)
	le.PutUint64(buf[40:], 0) // e_shoff
	le.PutUint32(buf[48:], 0) // e_flags
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phentsize)
	le.PutUint16(buf[56:], uint16(len(specs)))
	le.PutUint16(buf[58:], 0) // e_shentsize
	le.PutUint16(buf[60:], 0) // e_shnum
	le.PutUint16(buf[62:], 0) // e_shstrndx

	for i, spec := range specs {
		off := phoff + uint64(i)*phentsize
		le.PutUint32(buf[off:], spec.pType)
		le.PutUint32(buf[off+4:], spec.flags)
		le.PutUint64(buf[off+8:], spec.offset)
		le.PutUint64(buf[off+16:], spec.vaddr)
		le.PutUint64(buf[off+24:], spec.vaddr) // p_paddr
		le.PutUint64(buf[off+32:], uint64(len(spec.data)))
		memsz := spec.memsz
		if memsz == 0 {
			memsz = uint64(len(spec.data))
		}
		le.PutUint64(buf[off+40:], memsz)
		le.PutUint64(buf[off+48:], uint64(mem.PageSize)) // p_align

		copy(buf[spec.offset:], spec.data)
	}

	return buf
}

// buildELF32Header builds just enough of a 32-bit ELF header (no program
// headers) for elf.NewFile to recognize the class and reject it before this
// package ever looks at program headers.
func buildELF32Header() []byte {
	const ehsize = 52
	buf := make([]byte, ehsize)

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)  // e_type = ET_EXEC
	le.PutUint16(buf[18:], 3)  // e_machine = EM_386
	le.PutUint32(buf[20:], 1)  // e_version
	le.PutUint32(buf[24:], 0x1000)
	le.PutUint32(buf[28:], 0) // e_phoff
	le.PutUint32(buf[32:], 0) // e_shoff
	le.PutUint32(buf[36:], 0) // e_flags
	le.PutUint16(buf[40:], ehsize)
	le.PutUint16(buf[42:], 32) // e_phentsize
	le.PutUint16(buf[44:], 0)  // e_phnum
	le.PutUint16(buf[46:], 0)  // e_shentsize
	le.PutUint16(buf[48:], 0)  // e_shnum
	le.PutUint16(buf[50:], 0)  // e_shstrndx

	return buf
}

func TestParseImageRejectsGarbage(t *testing.T) {
	_, _, launchErr := parseImage([]byte{1, 2, 3, 4})
	if launchErr == nil || launchErr.Kind != ParseError {
		t.Fatalf("expected ParseError; got %+v", launchErr)
	}
}

func TestParseImageRejectsZeroEntry(t *testing.T) {
	image := buildELF64(0, nil)
	_, _, launchErr := parseImage(image)
	if launchErr == nil || launchErr.Kind != NotExecutable {
		t.Fatalf("expected NotExecutable; got %+v", launchErr)
	}
}

func TestParseImageRejects32Bit(t *testing.T) {
	_, _, launchErr := parseImage(buildELF32Header())
	if launchErr == nil || launchErr.Kind != Not64Bit {
		t.Fatalf("expected Not64Bit; got %+v", launchErr)
	}
}

func TestParseImageRejectsDynamicSegment(t *testing.T) {
	image := buildELF64(0x1000, []phdr64Spec{
		{pType: 2 /* PT_DYNAMIC */, data: []byte{0}},
	})
	_, _, launchErr := parseImage(image)
	if launchErr == nil || launchErr.Kind != NotStaticallyLinked {
		t.Fatalf("expected NotStaticallyLinked; got %+v", launchErr)
	}
}

func TestParseImageRejectsNonCanonicalEntry(t *testing.T) {
	image := buildELF64(0x0000_8000_0000_1000, nil)
	_, _, launchErr := parseImage(image)
	if launchErr == nil || launchErr.Kind != InvalidEntryPoint {
		t.Fatalf("expected InvalidEntryPoint; got %+v", launchErr)
	}
}

func TestParseImageAcceptsValidImage(t *testing.T) {
	image := buildELF64(0x1000, []phdr64Spec{
		{pType: 1 /* PT_LOAD */, vaddr: 0x1000, data: []byte("hi")},
	})

	f, entry, launchErr := parseImage(image)
	if launchErr != nil {
		t.Fatalf("unexpected launch error: %v", launchErr)
	}
	if entry != 0x1000 {
		t.Errorf("expected entry 0x1000; got %#x", entry)
	}
	if len(f.Progs) != 1 {
		t.Errorf("expected 1 program header; got %d", len(f.Progs))
	}
}

// minimalProg builds an *elf.Prog carrying only the header fields
// loadSegment reads; it has no backing ReaderAt since loadSegment always
// reads segment bytes from the caller-supplied image slice instead.
func minimalProg(pType elf.ProgType, flags elf.ProgFlag, vaddr, memsz, fileOff, fileSize uint64) *elf.Prog {
	return &elf.Prog{
		ProgHeader: elf.ProgHeader{
			Type:   pType,
			Flags:  flags,
			Off:    fileOff,
			Vaddr:  vaddr,
			Filesz: fileSize,
			Memsz:  memsz,
		},
	}
}

func withMockedMapping(t *testing.T) (*int, *int) {
	t.Helper()

	origTryMap, origSetFlags, origByteSliceAt := tryMapUserRangeFn, setFlagsFn, byteSliceAtFn
	t.Cleanup(func() { tryMapUserRangeFn, setFlagsFn, byteSliceAtFn = origTryMap, origSetFlags, origByteSliceAt })

	tryMapCalls, setFlagsCalls := 0, 0

	tryMapUserRangeFn = func(start mem.Page, pageCount int, flags vmm.PageTableEntryFlag, ignoreAlreadyMapped bool, zero bool, allocFn vmm.FrameAllocatorFn) (*vmm.TryMapError, *kernel.Error) {
		tryMapCalls++
		return nil, nil
	}
	setFlagsFn = func(start mem.Page, pageCount int, flags vmm.PageTableEntryFlag) *kernel.Error {
		setFlagsCalls++
		return nil
	}
	// Scratch buffer standing in for the real segment's virtual memory:
	// individual tests that care about the bytes written override this
	// again with their own cleanup.
	byteSliceAtFn = func(_ uintptr, n int) []byte { return make([]byte, n) }

	return &tryMapCalls, &setFlagsCalls
}

func TestLoadSegmentRefusesPageZero(t *testing.T) {
	withMockedMapping(t)

	prog := minimalProg(elf.PT_LOAD, elf.PF_R, 0, 1, 0, 1)
	launchErr, err := loadSegment(prog, []byte("x"), nil)
	if err != nil {
		t.Fatalf("unexpected kernel error: %v", err)
	}
	if launchErr == nil || launchErr.Kind != InvalidPage {
		t.Fatalf("expected InvalidPage for a vm_range touching address 0; got %+v", launchErr)
	}
}

func TestLoadSegmentRefusesOutOfBoundsFileRange(t *testing.T) {
	withMockedMapping(t)

	prog := minimalProg(elf.PT_LOAD, elf.PF_R, uint64(mem.PageSize), 10, 5, 10)

	image := make([]byte, 8) // too short for offset 5, size 10
	launchErr, err := loadSegment(prog, image, nil)
	if err != nil {
		t.Fatalf("unexpected kernel error: %v", err)
	}
	if launchErr == nil || launchErr.Kind != InvalidHeaderRange {
		t.Fatalf("expected InvalidHeaderRange; got %+v", launchErr)
	}
}

func TestLoadSegmentCopiesDataAndSetsFinalFlags(t *testing.T) {
	_, setFlagsCalls := withMockedMapping(t)

	vaddr := uint64(mem.PageSize) * 4
	payload := []byte("payload")
	prog := minimalProg(elf.PT_LOAD, elf.PF_R, vaddr, uint64(len(payload)), 0, uint64(len(payload)))

	dst := make([]byte, len(payload))
	origByteSliceAt := byteSliceAtFn
	t.Cleanup(func() { byteSliceAtFn = origByteSliceAt })
	byteSliceAtFn = func(addr uintptr, n int) []byte { return dst }

	launchErr, err := loadSegment(prog, payload, nil)
	if launchErr != nil || err != nil {
		t.Fatalf("unexpected error: launch=%v kernel=%v", launchErr, err)
	}
	if string(dst) != string(payload) {
		t.Errorf("expected segment contents copied; got %q", dst)
	}
	if *setFlagsCalls != 1 {
		t.Errorf("expected SetFlags called once; got %d", *setFlagsCalls)
	}
}
