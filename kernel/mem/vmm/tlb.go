package vmm

import "github.com/Restioson/wolffia/kernel/cpu"

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry, which will fault if called outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// activePDTFn is used by tests to override calls to cpu.ActivePDT.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT
)
