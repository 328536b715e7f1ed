// Package heap is the kernel's allocation front door, routing between the
// two tiers below it: requests up to the slab cache's largest size class
// are served from a slab, anything bigger goes to the general allocator.
// Free routes by asking the slab cache whether it owns the pointer, so
// callers never need to remember which tier served them.
package heap

import (
	"redline/kernel/mem/slab"
	"redline/kernel/mem/stelloc"
)

// Alloc returns a pointer to at least size bytes, or 0 if size is 0 or
// memory is exhausted.
func Alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	if size <= slab.MaxSize {
		return slab.Alloc(size)
	}
	return stelloc.Alloc(size)
}

// Free releases a pointer previously returned by Alloc. The ownership test
// walks the slab lists, which is O(slabs); that cost is paid only here, on
// the free path, never on allocation.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	if slab.Owns(ptr) {
		slab.Free(ptr)
		return
	}
	stelloc.Free(ptr)
}

// UsableSize returns the number of bytes actually reserved for ptr: the
// slab size class if a slab owns it, 0 otherwise (the general allocator
// tracks its sizes in the block header, not through this package).
func UsableSize(ptr uintptr) uintptr {
	return slab.UsableSize(ptr)
}
