package kmain

import (
	"github.com/Restioson/wolffia/kernel"
	"github.com/Restioson/wolffia/kernel/goruntime"
	"github.com/Restioson/wolffia/kernel/hal"
	"github.com/Restioson/wolffia/kernel/hal/multiboot"
	"github.com/Restioson/wolffia/kernel/kfmt/early"
	"github.com/Restioson/wolffia/kernel/mem"
	"github.com/Restioson/wolffia/kernel/mem/bootmem"
	"github.com/Restioson/wolffia/kernel/mem/kheap"
	"github.com/Restioson/wolffia/kernel/mem/pmm"
	"github.com/Restioson/wolffia/kernel/mem/vmm"
	"github.com/Restioson/wolffia/kernel/syscall"
)

// kheapAccountingVA is a fixed, page-aligned virtual address reserved for
// the kernel heap's own buddy-tree accounting array. It sits well below
// kheap.HeapStart so the two windows never overlap.
const kheapAccountingVA uintptr = 0xFFFF_FFFF_3000_0000

// maxUsableRanges bounds the number of bootloader-reported usable memory
// regions kmain can track without allocating a slice: real firmware/BIOS
// memory maps report a handful of ranges, never anywhere close to this.
const maxUsableRanges = 64

// maxReservedRanges bounds the number of reserved physical ranges
// (kernel image, multiboot info blob, boot modules, bootstrap heap) kmain
// subtracts out of the usable ranges before freeing any of them.
const maxReservedRanges = 16

// maxPieces bounds how many fragments a single usable range can be split
// into while subtracting every reserved range from it.
const maxPieces = 16

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// physAlloc is the kernel's single physical frame allocator instance,
	// bootstrapped in two stages below and then handed out (as a bound
	// FrameAllocatorFn) to every subsystem that needs to grow its own
	// virtual mappings: the kernel heap, the Go runtime, and syscall's Map
	// handler.
	physAlloc pmm.Allocator
)

// allocFrame is physAlloc.Allocate bound to page order 0, the shape every
// caller below (vmm.Map, kheap.Init, goruntime.SetFrameAllocator,
// syscall.FrameAllocator) expects.
func allocFrame() (mem.Frame, *kernel.Error) {
	return physAlloc.Allocate(0)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("wolffia: booting (kernel [%x - %x])\n", kernelStart, kernelEnd)

	usable, usableCount, highestAddr := scanMemoryMap()
	early.Printf("wolffia: %d usable memory region(s), highest address %x\n", usableCount, highestAddr)

	gibIndex := highestAddr >> 30
	if gibIndex >= pmm.Slots {
		gibIndex = pmm.Slots - 1
	}
	gib := uint8(gibIndex)

	var err *kernel.Error

	reservedStart := (kernelEnd + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
	bootHeapSize := uintptr(bootmem.Slots) * uintptr(pmm.TreeAccountingSize())
	var bootHeap bootmem.Heap
	bootHeap.Init(reservedStart, uintptr(pmm.TreeAccountingSize()))

	reserved, reservedCount := reservedRanges(multibootInfoPtr, kernelStart, kernelEnd, reservedStart, reservedStart+bootHeapSize)
	usableCount = applyReserved(&usable, usableCount, reserved[:reservedCount])

	if err = physAlloc.InitStage1(&bootHeap, usable[:usableCount]); err != nil {
		kernel.Panic(err)
	}

	accountingPages := kheap.AccountingSize()
	for i := 0; i < int(mem.Size(accountingPages).Pages()); i++ {
		page := mem.PageFromAddress(kheapAccountingVA + uintptr(i)*uintptr(mem.PageSize))
		if err = vmm.Map(page, vmm.FlagRW, allocFrame, true); err != nil {
			kernel.Panic(err)
		}
	}

	if err = kheap.Init(kheapAccountingVA, allocFrame, physAlloc.Deallocate); err != nil {
		kernel.Panic(err)
	}

	if err = physAlloc.InitStage2(gib, usable[:usableCount], kheap.Alloc); err != nil {
		kernel.Panic(err)
	}

	goruntime.SetFrameAllocator(allocFrame)
	syscall.FrameAllocator = allocFrame

	early.Printf("wolffia: memory subsystem ready\n")

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// scanMemoryMap walks the bootloader-reported memory map once, collecting
// usable ranges into a fixed-size array (no heap allocation is available
// yet) and tracking the highest reported physical address, used to decide
// how many GiB trees the physical allocator's second init stage should seed.
func scanMemoryMap() ([maxUsableRanges]pmm.UsableRange, int, uint64) {
	var usable [maxUsableRanges]pmm.UsableRange
	count := 0
	var highestAddr uint64

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		if end := region.PhysAddress + region.Length; end > highestAddr {
			highestAddr = end
		}

		if count < maxUsableRanges {
			usable[count] = mem.Range{
				Start: uintptr(region.PhysAddress),
				End:   uintptr(region.PhysAddress + region.Length),
			}
			count++
		}

		return true
	})

	return usable, count, highestAddr
}

// reservedRanges collects every physical range that is already spoken for
// before the physical allocator frees a single byte into a tree: the
// kernel image's own ELF sections (queried from the bootloader-copied ELF
// symbols tag rather than trusting kernelStart/kernelEnd alone, falling
// back to them if the tag is absent), the multiboot info blob itself, any
// boot modules, and the bootstrap heap's backing region. Like
// scanMemoryMap, this only ever touches a fixed-size array: the physical
// allocator isn't ready yet, so the Go heap isn't either.
func reservedRanges(multibootInfoPtr, kernelStart, kernelEnd, bootHeapStart, bootHeapEnd uintptr) ([maxReservedRanges]mem.Range, int) {
	var reserved [maxReservedRanges]mem.Range
	count := 0

	add := func(start, end uintptr) {
		if end <= start || count >= maxReservedRanges {
			return
		}
		reserved[count] = mem.Range{Start: start, End: end}
		count++
	}

	imageStart, imageEnd := kernelStart, kernelEnd
	sawSection := false
	multiboot.VisitElfSections(func(name string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 || size == 0 {
			return
		}
		if !sawSection || address < imageStart {
			imageStart = address
		}
		if end := address + uintptr(size); !sawSection || end > imageEnd {
			imageEnd = end
		}
		sawSection = true
	})
	add(imageStart, imageEnd)

	add(multibootInfoPtr, multibootInfoPtr+uintptr(multiboot.InfoSize()))

	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		add(mod.Start, mod.End)
		return true
	})

	add(bootHeapStart, bootHeapEnd)

	return reserved, count
}

// subtractRanges carves every range in reserved out of r, writing the
// surviving fragments into out and returning how many it wrote (capped at
// maxPieces; real reserved-range counts never come close).
func subtractRanges(r mem.Range, reserved []mem.Range, out *[maxPieces]mem.Range) int {
	cur := [maxPieces]mem.Range{r}
	curN := 1

	for _, sub := range reserved {
		var next [maxPieces]mem.Range
		nextN := 0

		for i := 0; i < curN; i++ {
			pieces, n := mem.RangeSub2(cur[i], sub)
			for j := 0; j < n && nextN < maxPieces; j++ {
				next[nextN] = pieces[j]
				nextN++
			}
		}

		cur, curN = next, nextN
		if curN == 0 {
			break
		}
	}

	copy(out[:], cur[:curN])
	return curN
}

// applyReserved subtracts every range in reserved from usable[:usableCount]
// in place, returning the new, possibly larger (from splitting) count.
// Fragments beyond maxUsableRanges are dropped, same as scanMemoryMap's own
// capacity cap.
func applyReserved(usable *[maxUsableRanges]pmm.UsableRange, usableCount int, reserved []mem.Range) int {
	var next [maxUsableRanges]pmm.UsableRange
	nextCount := 0

	for i := 0; i < usableCount; i++ {
		var pieces [maxPieces]mem.Range
		n := subtractRanges(usable[i], reserved, &pieces)
		for j := 0; j < n && nextCount < maxUsableRanges; j++ {
			next[nextCount] = pieces[j]
			nextCount++
		}
	}

	*usable = next
	return nextCount
}
