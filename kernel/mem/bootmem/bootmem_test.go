package bootmem

import "testing"

func TestAllocateFillsAllSlots(t *testing.T) {
	var h Heap
	h.Init(0x1000, 4096)

	boxes := make([]*Box, 0, Slots)
	for i := 0; i < Slots; i++ {
		b, err := h.Allocate()
		if err != nil {
			t.Fatalf("slot %d: unexpected error: %v", i, err)
		}
		boxes = append(boxes, b)
	}

	if h.InUse() != Slots {
		t.Fatalf("expected all %d slots in use; got %d", Slots, h.InUse())
	}

	if _, err := h.Allocate(); err != ErrExhausted {
		t.Errorf("expected ErrExhausted once all slots are taken; got %v", err)
	}

	seen := map[uintptr]bool{}
	for _, b := range boxes {
		if seen[b.Addr] {
			t.Errorf("address %#x handed out to two boxes", b.Addr)
		}
		seen[b.Addr] = true
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	var h Heap
	h.Init(0x2000, 64)

	b, err := h.Allocate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b.Release()

	if h.InUse() != 0 {
		t.Errorf("expected 0 slots in use after release; got %d", h.InUse())
	}

	b2, err := h.Allocate()
	if err != nil {
		t.Fatalf("unexpected error re-allocating: %v", err)
	}
	if b2.Addr != b.Addr {
		t.Errorf("expected the released slot's address %#x to be reused; got %#x", b.Addr, b2.Addr)
	}
}
