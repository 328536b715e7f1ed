package slab

import (
	"testing"
	"unsafe"

	"redline/kernel/mem"
	"redline/kernel/mem/vheap"
)

// fakePages hands out zeroed, page-sized slabs from a single Go byte slice,
// standing in for vheap.Commit so caches can be exercised without a real
// committed virtual heap.
type fakePages struct {
	buf    []byte
	base   uintptr
	cursor uintptr
	pages  uintptr
}

func newFakePages(n int) *fakePages {
	pageSize := uintptr(mem.PageSize)
	buf := make([]byte, uintptr(n+1)*pageSize)
	return &fakePages{
		buf:   buf,
		base:  uintptr(unsafe.Pointer(&buf[0])),
		pages: uintptr(n),
	}
}

func (f *fakePages) commit(bytes uintptr) uintptr {
	pageSize := uintptr(mem.PageSize)
	need := (bytes + pageSize - 1) / pageSize
	if f.cursor/pageSize+need > f.pages {
		return 0
	}
	va := f.base + f.cursor
	f.cursor += need * pageSize
	return va
}

func resetCaches() {
	for i := range caches {
		caches[i].partial = nil
		caches[i].full = nil
	}
}

func installFakeVheap(t *testing.T, f *fakePages) {
	t.Helper()

	origCommit := vheapCommitFn
	t.Cleanup(func() {
		vheapCommitFn = origCommit
		resetCaches()
	})

	vheapCommitFn = f.commit
	resetCaches()
}

func TestAllocReturnsDistinctObjectsFromSameSlab(t *testing.T) {
	f := newFakePages(2)
	installFakeVheap(t, f)

	a := Alloc(8)
	b := Alloc(8)
	if a == 0 || b == 0 {
		t.Fatalf("expected non-zero allocations; got a=%#x b=%#x", a, b)
	}
	if a == b {
		t.Fatal("expected distinct objects")
	}
}

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	f := newFakePages(4)
	installFakeVheap(t, f)

	if sz := UsableSize(Alloc(5)); sz != 8 {
		t.Fatalf("expected class 8 for size 5; got %d", sz)
	}
	if sz := UsableSize(Alloc(100)); sz != 128 {
		t.Fatalf("expected class 128 for size 100; got %d", sz)
	}
}

func TestAllocRejectsSizeAboveMax(t *testing.T) {
	f := newFakePages(2)
	installFakeVheap(t, f)

	if p := Alloc(MaxSize + 1); p != 0 {
		t.Fatalf("expected 0 for oversized request; got %#x", p)
	}
}

func TestFreeThenAllocReusesSlot(t *testing.T) {
	f := newFakePages(2)
	installFakeVheap(t, f)

	p := Alloc(16)
	if p == 0 {
		t.Fatal("expected a successful allocation")
	}
	Free(p)

	q := Alloc(16)
	if q != p {
		t.Fatalf("expected freed slot to be reused; got p=%#x q=%#x", p, q)
	}
}

func TestOwnsAndUsableSize(t *testing.T) {
	f := newFakePages(2)
	installFakeVheap(t, f)

	p := Alloc(32)
	if !Owns(p) {
		t.Fatal("expected Owns to report true for an allocated object")
	}
	if sz := UsableSize(p); sz != 32 {
		t.Fatalf("expected usable size 32; got %d", sz)
	}

	if Owns(0xdeadbeef) {
		t.Fatal("expected Owns to report false for an unrelated address")
	}
}

func TestSlabMovesBetweenPartialAndFullLists(t *testing.T) {
	f := newFakePages(2)
	installFakeVheap(t, f)

	c := pickCache(8)
	perSlab := int((uintptr(mem.PageSize) - alignUp(slabHeaderSize, headerAlign(8))) / 8)

	objs := make([]uintptr, 0, perSlab)
	for i := 0; i < perSlab; i++ {
		p := Alloc(8)
		if p == 0 {
			t.Fatalf("allocation %d unexpectedly failed", i)
		}
		objs = append(objs, p)
	}

	if c.partial != nil {
		t.Fatal("expected the exhausted slab to have moved to the full list")
	}
	if c.full == nil {
		t.Fatal("expected a slab on the full list")
	}

	Free(objs[0])

	if c.partial == nil {
		t.Fatal("expected freeing an object to move the slab back to partial")
	}
}

func TestAllocExhaustsBackingPages(t *testing.T) {
	f := newFakePages(0)
	installFakeVheap(t, f)

	if p := Alloc(8); p != 0 {
		t.Fatalf("expected 0 when no pages are available; got %#x", p)
	}
}

// sanity check that the test file's fake matches the real vheap.Commit
// signature it substitutes for.
var _ func(uintptr) uintptr = vheap.Commit
