// Package stelloc implements the kernel's general-purpose heap: a
// first-fit, address-sorted free list with a tail-bump region carved from
// the most recently split block, backed by kernel/mem/vheap and falling
// back to raw frames from kernel/mem/pmm when the virtual heap cannot
// grow. Every allocation carries a debug header and redzones; corruption
// detected on free is unrecoverable.
package stelloc

import (
	"unsafe"

	"redline/kernel/cpu"
	"redline/kernel/kfmt"
	"redline/kernel/mem"
	"redline/kernel/mem/pmm"
	"redline/kernel/mem/vheap"
	"redline/kernel/sync"
)

// Mode selects how many pages grow grabs directly from the frame allocator
// when the virtual heap cannot be grown. It is a policy knob, not a
// correctness property.
type Mode int

const (
	ModeDumb Mode = iota
	ModeSmart
	ModeAggressive
)

func pagesForMode(m Mode) uintptr {
	switch m {
	case ModeDumb:
		return 1
	case ModeAggressive:
		return 16
	default:
		return 4
	}
}

const (
	magicValue  uint32 = 0xFADEFADE
	redzoneSize        = 8
	redzoneByte        = 0xAB
	minFreeSize        = 24 // a free block must at least hold a freeNode plus a sliver of payload

	// Poison patterns stamped over the payload: one for freshly handed-out
	// memory, one for freed memory. Reading either back tells a debugger
	// which side of the lifecycle a stray pointer came from.
	poisonAlloc byte = 0xA5
	poisonFree  byte = 0x5A
)

// allocHeader precedes the front redzone of every live allocation.
type allocHeader struct {
	size      uint64 // aligned payload size
	magic     uint32
	requested uint32
}

const headerStructSize = unsafe.Sizeof(allocHeader{})

// headerSize is the header plus its trailing front redzone; overhead adds
// the matching back redzone.
const headerSize = uintptr(headerStructSize) + redzoneSize
const overhead = headerSize + redzoneSize

// freeNode overlays the first two words of every block sitting in the
// free list: its own size and a pointer to the next free block (0 if
// last). Address-sorted, singly linked.
type freeNode struct {
	size uintptr
	next uintptr
}

var (
	lock sync.Spinlock

	freeListHead uintptr
	mode         = ModeSmart

	tailPtr  uintptr
	tailSize uintptr

	vheapCommitFn = vheap.Commit
	allocPageFn   = pmm.AllocFrame
)

func nodeAt(addr uintptr) *freeNode {
	return (*freeNode)(unsafe.Pointer(addr))
}

func headerAt(addr uintptr) *allocHeader {
	return (*allocHeader)(unsafe.Pointer(addr))
}

func alignUp(x, a uintptr) uintptr {
	return (x + a - 1) &^ (a - 1)
}

// SetMode changes the batch-growth policy for future heap expansions.
func SetMode(m Mode) {
	lock.Acquire()
	defer lock.Release()
	mode = m
}

// GetMode returns the current batch-growth policy.
func GetMode() Mode {
	lock.Acquire()
	defer lock.Release()
	return mode
}

// insertFreeSorted inserts the block [addr, addr+size) into the
// address-ordered free list, coalescing with either neighbor it turns out
// to be contiguous with.
func insertFreeSorted(addr, size uintptr) {
	end := addr + size

	if freeListHead == 0 {
		n := nodeAt(addr)
		n.size = size
		n.next = 0
		freeListHead = addr
		return
	}

	if addr < freeListHead {
		head := freeListHead
		if end == head {
			headNode := nodeAt(head)
			n := nodeAt(addr)
			n.size = size + headNode.size
			n.next = headNode.next
			freeListHead = addr
			return
		}
		n := nodeAt(addr)
		n.size = size
		n.next = freeListHead
		freeListHead = addr
		return
	}

	prev := freeListHead
	curr := nodeAt(prev).next
	for curr != 0 && curr < addr {
		prev = curr
		curr = nodeAt(curr).next
	}

	prevNode := nodeAt(prev)
	prevEnd := prev + prevNode.size
	if prevEnd == addr {
		prevNode.size += size
		if curr != 0 {
			currNode := nodeAt(curr)
			if prev+prevNode.size == curr {
				prevNode.size += currNode.size
				prevNode.next = currNode.next
			}
		}
		return
	}

	n := nodeAt(addr)
	n.size = size
	n.next = curr
	prevNode.next = addr

	if curr != 0 && end == curr {
		currNode := nodeAt(curr)
		n.size = size + currNode.size
		n.next = currNode.next
	}
}

// growFromPages asks the frame allocator directly for a batch of pages,
// used only when vheap could not grow (its window is exhausted).
func growFromPages(minBytes uintptr) {
	pageSize := uintptr(mem.PageSize)
	pages := pagesForMode(mode)
	need := (minBytes + pageSize - 1) / pageSize
	if need > pages {
		pages = need
	}

	for i := uintptr(0); i < pages; i++ {
		pg := allocPageFn()
		if pg == 0 {
			break
		}
		insertFreeSorted(pg, pageSize)
	}
}

func stamp(block uintptr, size, requested uintptr) uintptr {
	hdr := headerAt(block)
	hdr.size = uint64(size)
	hdr.magic = magicValue
	hdr.requested = uint32(requested)

	front := block + uintptr(headerStructSize)
	fillRedzone(front, redzoneSize)

	payload := block + headerSize
	fill(payload, poisonAlloc, size)
	back := payload + size
	fillRedzone(back, redzoneSize)

	return payload
}

func fill(addr uintptr, b byte, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		*(*byte)(unsafe.Pointer(addr + i)) = b
	}
}

func fillRedzone(addr uintptr, n uintptr) {
	fill(addr, redzoneByte, n)
}

func checkRedzone(addr uintptr, n uintptr) bool {
	for i := uintptr(0); i < n; i++ {
		if *(*byte)(unsafe.Pointer(addr + i)) != redzoneByte {
			return false
		}
	}
	return true
}

// tryServe scans the free list for a first-fit block, carving one off and
// setting up the tail-bump region from the remainder, or returns 0.
func tryServe(size, requested uintptr) uintptr {
	var prev uintptr
	curr := freeListHead

	for curr != 0 {
		n := nodeAt(curr)
		blockSize := n.size
		next := n.next

		if blockSize >= size+overhead {
			if prev == 0 {
				freeListHead = next
			} else {
				nodeAt(prev).next = next
			}

			ret := stamp(curr, size, requested)

			consumed := overhead + size
			if blockSize > consumed {
				tailPtr = curr + consumed
				tailSize = blockSize - consumed
			} else {
				tailPtr, tailSize = 0, 0
			}
			if tailSize != 0 && tailSize < minFreeSize {
				insertFreeSorted(tailPtr, tailSize)
				tailPtr, tailSize = 0, 0
			}

			return ret
		}

		prev = curr
		curr = next
	}

	if tailSize >= size+overhead {
		header := tailPtr
		ret := stamp(header, size, requested)
		tailPtr += overhead + size
		tailSize -= overhead + size
		if tailSize < minFreeSize {
			if tailSize >= 8 {
				insertFreeSorted(tailPtr, tailSize)
			}
			tailPtr, tailSize = 0, 0
		}
		return ret
	}

	return 0
}

// Alloc returns a pointer to size bytes, or 0 if memory is exhausted. The
// payload is filled with poisonAlloc, not zeroed.
func Alloc(size uintptr) uintptr {
	lock.Acquire()
	defer lock.Release()

	requested := size
	size = alignUp(size, 8)

	if ret := tryServe(size, requested); ret != 0 {
		return ret
	}

	need := size + overhead
	pageSize := uintptr(mem.PageSize)
	if need < pageSize {
		need = pageSize
	}

	if va := vheapCommitFn(need); va != 0 {
		insertFreeSorted(va, need)
	} else {
		growFromPages(size + uintptr(unsafe.Sizeof(freeNode{})))
	}

	return tryServe(size, requested)
}

// Free releases an allocation made by Alloc. It halts the CPU with a
// diagnostic if the header magic or either redzone has been corrupted —
// that corruption means something already wrote out of bounds and
// continuing would only make the damage worse.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	lock.Acquire()
	defer lock.Release()

	block := ptr - headerSize
	hdr := headerAt(block)
	size := uintptr(hdr.size)

	if hdr.magic != magicValue {
		fatalCorruption("stelloc free: magic corrupt", ptr)
	}
	front := block + uintptr(headerStructSize)
	if !checkRedzone(front, redzoneSize) {
		fatalCorruption("stelloc free: front redzone corrupt", ptr)
	}
	back := ptr + size
	if !checkRedzone(back, redzoneSize) {
		fatalCorruption("stelloc free: back redzone corrupt", ptr)
	}

	// Poison the payload so use-after-free reads stand out; the redzones
	// on either side keep their pattern until the block is reused.
	fill(ptr, poisonFree, size)

	full := size + overhead

	if tailPtr != 0 && block+full == tailPtr {
		tailPtr = block
		tailSize += full
		return
	}

	insertFreeSorted(block, full)
}

var fatalFn = defaultFatal

func fatalCorruption(msg string, ptr uintptr) {
	fatalFn(msg, ptr)
}

func defaultFatal(msg string, ptr uintptr) {
	kfmt.Error("%s at 0x%x", msg, ptr)
	for {
		haltFn()
	}
}

var haltFn = cpu.Halt
