// Package pmm manages physical memory frame allocation. It hands out and
// reclaims 4 KiB frames discovered from the boot loader's memory map,
// returning every frame as an HHDM-mapped virtual pointer so callers can
// dereference it immediately without a separate mapping step.
package pmm

import (
	"unsafe"

	"redline/kernel"
	"redline/kernel/hal/bootinfo"
	"redline/kernel/mem"
	"redline/kernel/sync"
)

// maxRanges bounds how many usable memory-map ranges Init will track. A
// fixed-size array avoids needing a working heap before the heap itself
// has been brought up.
const maxRanges = 128

// pageRange is a lazily-consumed span of usable physical memory: pages
// below cursor have already been handed out (or freed back onto the free
// list), pages in [cursor, end) have never been touched.
type pageRange struct {
	start, end, cursor uint64
}

var (
	lock sync.Spinlock

	ranges     [maxRanges]pageRange
	rangeCount int
	rangeCurr  int

	// freeListHead is the HHDM virtual address of the most recently freed
	// frame, or 0 if the free list is empty. The first pointer-sized word
	// of a free frame stores the next free frame's virtual address.
	freeListHead uintptr

	totalFrames uint64
	freeFrames  uint64
	usedFrames  uint64
)

// ErrOutOfMemory is returned when every usable range has been exhausted and
// the free list is empty.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

// Init scans the boot loader's memory map and records every usable region
// as a lazily-consumed range. It must be called exactly once, after
// bootinfo.Set and before any call to AllocFrame.
func Init() {
	lock.Acquire()
	defer lock.Release()

	rangeCount, rangeCurr = 0, 0
	totalFrames, freeFrames, usedFrames = 0, 0, 0
	freeListHead = 0

	pageSize := uint64(mem.PageSize)

	bootinfo.VisitMemoryMap(func(e *bootinfo.MemoryMapEntry) bool {
		if e.Type != bootinfo.MemUsable {
			return true
		}

		start := alignUp(e.Base, pageSize)
		end := alignDown(e.Base+e.Length, pageSize)
		if end <= start {
			return true
		}

		totalFrames += (end - start) / pageSize

		if rangeCount < maxRanges {
			ranges[rangeCount] = pageRange{start: start, end: end, cursor: start}
			rangeCount++
		}

		return true
	})

	freeFrames = totalFrames
}

// AllocFrame reserves one physical frame and returns its HHDM virtual
// address, or 0 if no memory is available.
func AllocFrame() uintptr {
	lock.Acquire()
	defer lock.Release()

	if freeListHead != 0 {
		frame := freeListHead
		freeListHead = *(*uintptr)(unsafe.Pointer(frame))
		if freeFrames > 0 {
			freeFrames--
		}
		usedFrames++
		return frame
	}

	for rangeCurr < rangeCount {
		r := &ranges[rangeCurr]
		if r.cursor < r.end {
			phys := r.cursor
			r.cursor += uint64(mem.PageSize)
			if freeFrames > 0 {
				freeFrames--
			}
			usedFrames++
			return mem.PhysToVirt(uintptr(phys))
		}
		rangeCurr++
	}

	return 0
}

// AllocZeroFrame behaves like AllocFrame but zeroes the returned frame
// before handing it back.
func AllocZeroFrame() uintptr {
	frame := AllocFrame()
	if frame != 0 {
		kernel.Memset(frame, 0, uintptr(mem.PageSize))
	}
	return frame
}

// FreeFrame returns a previously allocated frame to the free list. Callers
// must pass the exact HHDM virtual address AllocFrame returned; double-free
// is not validated, matching the allocator's documented gap.
func FreeFrame(virt uintptr) {
	if virt == 0 || virt&(uintptr(mem.PageSize)-1) != 0 {
		return
	}

	lock.Acquire()
	defer lock.Release()

	*(*uintptr)(unsafe.Pointer(virt)) = freeListHead
	freeListHead = virt
	freeFrames++
	if usedFrames > 0 {
		usedFrames--
	}
}

// FreeCount returns the number of frames currently available for
// allocation (free list entries plus unconsumed range space).
func FreeCount() uint64 {
	return freeFrames
}

// TotalCount returns the number of usable frames discovered at Init.
func TotalCount() uint64 {
	return totalFrames
}

// UsedCount returns the number of frames currently handed out.
func UsedCount() uint64 {
	return usedFrames
}

func alignUp(x, a uint64) uint64 {
	return (x + a - 1) &^ (a - 1)
}

func alignDown(x, a uint64) uint64 {
	return x &^ (a - 1)
}
