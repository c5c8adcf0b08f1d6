package vmm

import "github.com/Restioson/wolffia/kernel"

// Translate returns the physical address that corresponds to virtAddr, or
// ErrInvalidMapping if virtAddr is not currently mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	physAddr := pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
	return physAddr, nil
}
