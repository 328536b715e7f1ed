// Package vmm walks and edits the amd64 4-level page table hierarchy. It
// resolves the active PML4 once at Init (via CR3, translated through the
// HHDM) and maps pages into it, allocating and zeroing any missing
// intermediate table with a frame from kernel/mem/pmm.
package vmm

import (
	"redline/kernel"
	"redline/kernel/cpu"
	"redline/kernel/mem"
	"redline/kernel/mem/pmm"
)

// ErrOutOfMemory is returned by MapPage when an intermediate table could
// not be allocated. Per the walker's documented gap, any
// intermediate tables already installed before the failure are not rolled
// back.
var ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory while walking page tables"}

// ErrNotMapped is returned by Translate when the requested virtual address
// has no present leaf mapping.
var ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

var (
	// activePDTFn resolves CR3 once and returns the physical address of
	// the current PML4. Substituted in tests to avoid touching real CPU
	// state, following the teacher's function-variable mocking idiom.
	activePDTFn = cpu.ActivePDT

	// allocTableFn reserves and zeroes one frame for a new intermediate
	// table. Substituted in tests with a fake backed by a Go
	// slice rather than real physical memory.
	allocTableFn = pmm.AllocZeroFrame

	// invalidateFn flushes a single TLB entry after a leaf mapping
	// changes.
	invalidateFn = cpu.FlushTLBEntry
)

var (
	pml4Phys uintptr
	initDone bool
)

// Init resolves and caches the physical address of the currently active
// PML4. It must be called once, after kernel/mem/pmm.Init, before the first
// call to MapPage or Translate.
func Init() {
	pml4Phys = activePDTFn()
	initDone = true
}

// indices extracts the four 9-bit page-table indices encoded in a virtual
// address: PML4, PDPT, PD and PT, from most to least significant.
func indices(va uintptr) (pml4i, pdpti, pdi, pti uintptr) {
	return (va >> 39) & 0x1ff, (va >> 30) & 0x1ff, (va >> 21) & 0x1ff, (va >> 12) & 0x1ff
}

// ensureTable returns the next-level table referenced by parent[idx],
// allocating and zeroing a fresh one (installed with Present|Writable) if
// the slot is not yet present.
func ensureTable(parent *pageTable, idx uintptr) (*pageTable, *kernel.Error) {
	entry := &parent[idx]
	if !entry.HasFlags(FlagPresent) {
		frame := allocTableFn() // HHDM virtual address of a zeroed frame
		if frame == 0 {
			return nil, ErrOutOfMemory
		}
		entry.SetFrame(mem.VirtToPhys(frame))
		entry.SetFlags(FlagPresent | FlagWritable)
	}

	return tableAtPhys(entry.Frame()), nil
}

// MapPage installs a mapping from va to pa with the given leaf flags,
// allocating any missing intermediate table along the way. FlagPresent is
// always added to the leaf entry's flags. The caller is responsible for
// serializing concurrent MapPage calls that target the same va; calls
// targeting disjoint virtual addresses may run concurrently.
func MapPage(va, pa uintptr, flags PageTableEntryFlag) *kernel.Error {
	if !initDone {
		Init()
	}

	pml4i, pdpti, pdi, pti := indices(va)

	pml4 := tableAtPhys(pml4Phys)

	pdpt, err := ensureTable(pml4, pml4i)
	if err != nil {
		return err
	}
	pd, err := ensureTable(pdpt, pdpti)
	if err != nil {
		return err
	}
	pt, err := ensureTable(pd, pdi)
	if err != nil {
		return err
	}

	pt[pti] = pageTableEntry((pa &^ 0xfff) | uintptr(flags) | uintptr(FlagPresent))

	invalidateFn(va)

	return nil
}

// Translate walks the page tables for va without creating anything,
// returning the physical address of the mapped frame (with va's low 12
// bits added back in) or ErrNotMapped if no present leaf entry covers it.
func Translate(va uintptr) (uintptr, *kernel.Error) {
	if !initDone {
		Init()
	}

	pml4i, pdpti, pdi, pti := indices(va)

	pml4 := tableAtPhys(pml4Phys)
	if !pml4[pml4i].HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	pdpt := tableAtPhys(pml4[pml4i].Frame())

	if !pdpt[pdpti].HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	pd := tableAtPhys(pdpt[pdpti].Frame())

	if !pd[pdi].HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	pt := tableAtPhys(pd[pdi].Frame())

	if !pt[pti].HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return pt[pti].Frame() | (va & 0xfff), nil
}

// IsMapped reports whether va currently has a present leaf mapping.
func IsMapped(va uintptr) bool {
	_, err := Translate(va)
	return err == nil
}
