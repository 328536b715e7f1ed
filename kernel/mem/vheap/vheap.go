// Package vheap manages the kernel's single reserved virtual-address
// window: a range of VA space nothing else may use, committed into real
// memory page by page on demand. It is the sole supported demand-paging
// mechanism in the kernel — slab and stelloc grow by asking vheap for more
// committed pages, and the page-fault handler retrofits a single page via
// MapOne when a fault lands inside the window.
package vheap

import (
	"redline/kernel"
	"redline/kernel/mem"
	"redline/kernel/mem/pmm"
	"redline/kernel/mem/vmm"
	"redline/kernel/sync"
)

// ErrNotInitialized is returned by MapOne before Init has run. Commit
// reports the same condition by returning 0.
var ErrNotInitialized = &kernel.Error{Module: "vheap", Message: "virtual heap not initialized"}

// ErrWindowExhausted names the condition of growing the heap past the
// reserved window. Commit reports that condition by returning 0 and no
// function in this package returns this value.
var ErrWindowExhausted = &kernel.Error{Module: "vheap", Message: "virtual heap window exhausted"}

// ErrOutOfMemory is returned by MapOne when no physical frame is available
// to back the page. Commit reports the same condition by returning 0.
var ErrOutOfMemory = &kernel.Error{Module: "vheap", Message: "out of physical memory while committing virtual heap"}

var (
	lock sync.Spinlock

	base, size, commit uintptr

	allocFrameFn = pmm.AllocFrame
	mapPageFn    = vmm.MapPage
)

// mapFlags is the flag set every vheap-backed page is mapped with: present
// (added automatically by vmm.MapPage) and writable. The heap never maps a
// page executable or user-accessible.
const mapFlags = vmm.FlagWritable

// Init reserves the VA window [base, base+size) for the virtual heap. No
// memory is committed yet; every byte becomes available only through a
// subsequent Commit or a page-fault-triggered MapOne. size is rounded down
// to a page multiple.
func Init(baseVA uintptr, sizeBytes uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	pageSize := uintptr(mem.PageSize)
	base = alignUp(baseVA, pageSize)
	size = sizeBytes &^ (pageSize - 1)
	commit = base

	if size == 0 {
		return &kernel.Error{Module: "vheap", Message: "requested virtual heap size rounds down to zero"}
	}

	return nil
}

// Commit advances the heap's commit cursor by at least bytes (rounded up to
// a page multiple), backing every new page with a fresh frame mapped
// writable, and returns the VA at the start of the newly committed span.
// It returns 0 if the window has no initialized size, is exhausted, or a
// frame could not be allocated.
func Commit(bytes uintptr) uintptr {
	lock.Acquire()
	defer lock.Release()

	if size == 0 {
		return 0
	}

	pageSize := uintptr(mem.PageSize)
	bytes = alignUp(bytes, pageSize)
	if bytes == 0 {
		return 0
	}

	if commit+bytes > base+size {
		return 0
	}

	va := commit
	for off := uintptr(0); off < bytes; off += pageSize {
		frame := allocFrameFn()
		if frame == 0 {
			return 0
		}

		if err := mapPageFn(va+off, mem.VirtToPhys(frame), mapFlags); err != nil {
			return 0
		}
	}

	commit += bytes
	return va
}

// Bounds returns the reserved window's base address and total size.
func Bounds() (baseVA, sizeBytes uintptr) {
	return base, size
}

// MapOne backs a single page at va with a fresh frame, mapped writable. It
// is the page-fault handler's sole recovery path: if va falls within the
// reserved window and is not yet present, MapOne installs the mapping so
// the faulting instruction can be retried. Returns an error if va lies
// outside the window or the window has not been initialized.
func MapOne(va uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if size == 0 {
		return ErrNotInitialized
	}
	if va < base || va >= base+size {
		return &kernel.Error{Module: "vheap", Message: "address outside virtual heap window"}
	}

	frame := allocFrameFn()
	if frame == 0 {
		return ErrOutOfMemory
	}

	pageSize := uintptr(mem.PageSize)
	pageVA := va &^ (pageSize - 1)

	if err := mapPageFn(pageVA, mem.VirtToPhys(frame), mapFlags); err != nil {
		return err
	}

	return nil
}

func alignUp(x, a uintptr) uintptr {
	return (x + a - 1) &^ (a - 1)
}
