// Package slab implements the kernel's small-object allocator: a fixed set
// of fixed-size-class caches, each backed by one-page slabs committed from
// kernel/mem/vheap. Every slab carries an intrusive free list threaded
// through the unused objects themselves, so no side bookkeeping allocation
// is ever required to track which objects within a slab are free. Slabs
// are never released back to vheap, even when every object in them is
// free, so the memory committed for the caches only grows.
package slab

import (
	"unsafe"

	"redline/kernel/mem"
	"redline/kernel/mem/vheap"
	"redline/kernel/sync"
)

// sizeClasses lists the object sizes this allocator serves, smallest
// first. Allocation requests are rounded up to the nearest class; anything
// larger than the last class falls through to the general heap.
var sizeClasses = [...]uint16{8, 16, 32, 64, 128, 256, 512, 1024}

// MaxSize is the largest request size. alloc satisfies directly; anything
// above it is the general heap's job.
const MaxSize = 1024

// minAlign is the minimum alignment slab_alloc guarantees every object.
const minAlign = 8

// headerMinAlign is the minimum alignment applied to the slab header
// itself, so that very small object sizes (8, 16 bytes) don't force a
// header alignment smaller than is comfortable to work with.
const headerMinAlign = 16

// slabHeader sits at the start of every slab page. The free list inside a
// slab is an intrusive chain of 16-bit indices stored in the first two
// bytes of each free object.
type slabHeader struct {
	next           *slabHeader
	objSize        uint16
	objPerSlab     uint16
	freeCount      uint16
	firstFreeIndex uint16
}

const slabHeaderSize = unsafe.Sizeof(slabHeader{})

// cache tracks every slab for one size class, split into partial (has at
// least one free object) and full lists.
type cache struct {
	partial *slabHeader
	full    *slabHeader
	objSize uint16
}

var (
	lock sync.Spinlock

	caches [len(sizeClasses)]cache

	vheapCommitFn = vheap.Commit
)

func init() {
	for i, sz := range sizeClasses {
		caches[i].objSize = sz
	}
}

// pickCache returns the smallest cache whose object size is >= size, or
// nil if size is 0 or exceeds MaxSize.
func pickCache(size uintptr) *cache {
	if size == 0 || size > MaxSize {
		return nil
	}
	for i := range caches {
		if size <= uintptr(caches[i].objSize) {
			return &caches[i]
		}
	}
	return nil
}

func headerAlign(objSize uint16) uintptr {
	a := uintptr(objSize)
	if a < headerMinAlign {
		a = headerMinAlign
	}
	return a
}

func alignUp(x, a uintptr) uintptr {
	return (x + a - 1) &^ (a - 1)
}

// objectBase returns the address of object 0 within a slab, i.e. the slab
// page's start address plus the header's aligned size.
func objectBase(sl *slabHeader) uintptr {
	hdrSz := alignUp(slabHeaderSize, headerAlign(sl.objSize))
	return uintptr(unsafe.Pointer(sl)) + hdrSz
}

// newSlab commits one fresh page from vheap and lays out a slab for c,
// threading every object onto the free list in index order.
func newSlab(c *cache) *slabHeader {
	va := vheapCommitFn(uintptr(mem.PageSize))
	if va == 0 {
		return nil
	}

	sl := (*slabHeader)(unsafe.Pointer(va))

	hdrSz := alignUp(slabHeaderSize, headerAlign(c.objSize))
	count := (uintptr(mem.PageSize) - hdrSz) / uintptr(c.objSize)
	if count == 0 {
		return nil
	}

	sl.next = nil
	sl.objSize = c.objSize
	sl.objPerSlab = uint16(count)
	sl.freeCount = uint16(count)
	sl.firstFreeIndex = 0

	base := objectBase(sl)
	for i := uintptr(0); i < count; i++ {
		slot := (*uint16)(unsafe.Pointer(base + i*uintptr(c.objSize)))
		*slot = uint16(i + 1)
	}

	return sl
}

func inSlab(sl *slabHeader, ptr uintptr) bool {
	begin := uintptr(unsafe.Pointer(sl))
	end := begin + uintptr(mem.PageSize)
	return ptr >= begin && ptr < end
}

// Alloc returns an object of at least size bytes from the appropriate
// size class, or 0 if size is out of range or memory is exhausted. The
// object's contents are undefined; reused objects carry whatever the
// previous owner (or the intrusive free chain) left behind. Callers
// needing anything larger than MaxSize must use the general heap instead.
func Alloc(size uintptr) uintptr {
	size = alignUp(size, minAlign)

	c := pickCache(size)
	if c == nil {
		return 0
	}

	lock.Acquire()
	defer lock.Release()

	sl := c.partial
	if sl == nil {
		sl = newSlab(c)
		if sl == nil {
			return 0
		}
		sl.next = c.partial
		c.partial = sl
	}

	base := objectBase(sl)
	idx := sl.firstFreeIndex
	obj := base + uintptr(idx)*uintptr(c.objSize)
	sl.firstFreeIndex = *(*uint16)(unsafe.Pointer(obj))
	sl.freeCount--

	if sl.freeCount == 0 {
		c.partial = sl.next
		sl.next = c.full
		c.full = sl
	}

	return obj
}

// Free returns an object to its owning slab's free list, moving the slab
// from the full list back to partial if it was full.
// Free on a pointer that does not belong to any slab cache is a no-op.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	lock.Acquire()
	defer lock.Release()

	for k := range caches {
		c := &caches[k]

		if freeFromList(c, &c.full, ptr, true) {
			return
		}
		if freeFromList(c, &c.partial, ptr, false) {
			return
		}
	}
}

// freeFromList scans the given list looking for the slab that owns ptr. If
// found, it pushes ptr back onto that slab's free-index chain and, when
// wasFull is true, relinks the slab onto c.partial.
func freeFromList(c *cache, head **slabHeader, ptr uintptr, wasFull bool) bool {
	var prev *slabHeader
	for sl := *head; sl != nil; prev, sl = sl, sl.next {
		if !inSlab(sl, ptr) {
			continue
		}

		base := objectBase(sl)
		offset := ptr - base
		if offset%uintptr(sl.objSize) != 0 {
			return true // malformed pointer inside this slab's page; ignore
		}

		idx := uint16(offset / uintptr(sl.objSize))
		*(*uint16)(unsafe.Pointer(ptr)) = sl.firstFreeIndex
		sl.firstFreeIndex = idx
		sl.freeCount++

		if wasFull {
			if prev != nil {
				prev.next = sl.next
			} else {
				*head = sl.next
			}
			sl.next = c.partial
			c.partial = sl
		}

		return true
	}

	return false
}

// Owns reports whether ptr was allocated from a slab cache.
func Owns(ptr uintptr) bool {
	if ptr == 0 {
		return false
	}

	lock.Acquire()
	defer lock.Release()

	for k := range caches {
		for sl := caches[k].partial; sl != nil; sl = sl.next {
			if inSlab(sl, ptr) {
				return true
			}
		}
		for sl := caches[k].full; sl != nil; sl = sl.next {
			if inSlab(sl, ptr) {
				return true
			}
		}
	}

	return false
}

// UsableSize returns the size class backing ptr, or 0 if ptr was not
// allocated from a slab cache.
func UsableSize(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}

	lock.Acquire()
	defer lock.Release()

	for k := range caches {
		for sl := caches[k].partial; sl != nil; sl = sl.next {
			if inSlab(sl, ptr) {
				return uintptr(caches[k].objSize)
			}
		}
		for sl := caches[k].full; sl != nil; sl = sl.next {
			if inSlab(sl, ptr) {
				return uintptr(caches[k].objSize)
			}
		}
	}

	return 0
}
