// Package tss owns the task state segment's IO-permission bitmap: the data
// a process's serial/port access is whitelisted against. Building the TSS
// descriptor itself and loading it into the GDT is the bootstrap sequence's
// job (external to this subsystem); this package only maintains the bitmap
// bytes and the logic that flips bits usable.
package tss

import "sync"

// BitmapSize is the length in bytes of the port-permission bitmap: one bit
// per IO port (0..65535 inclusive), 65536 bits in all.
const BitmapSize = 8192

// Table is an IO-permission bitmap: a cleared bit grants the owning
// process unprivileged IN/OUT access to that port, a set bit faults it.
// Bits start all set (no port usable) until explicitly whitelisted.
type Table struct {
	mu     sync.Mutex
	bitmap [BitmapSize]byte
}

// New returns a Table with every port marked unusable.
func New() *Table {
	t := &Table{}
	for i := range t.bitmap {
		t.bitmap[i] = 0xFF
	}
	return t
}

// Default is the single IO-permission bitmap attached to the kernel's task
// state segment.
var Default = New()

// SetPortRangeUsable clears the bits for every port in [first, last]
// (inclusive), granting unprivileged access to that range.
func (t *Table) SetPortRangeUsable(first, last uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for port := uint32(first); port <= uint32(last); port++ {
		byteIndex := port >> 3
		bit := byte(1) << (port & 7)
		t.bitmap[byteIndex] &^= bit
	}
}

// Bitmap returns the raw bitmap bytes, for the bootstrap sequence to embed
// in the TSS it builds. The returned slice aliases the table's storage;
// callers must not retain it past a concurrent SetPortRangeUsable call.
func (t *Table) Bitmap() []byte {
	return t.bitmap[:]
}
