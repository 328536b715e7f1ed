package stelloc

import (
	"testing"
	"unsafe"

	"redline/kernel/mem"
)

// fakeSource substitutes vheapCommitFn/allocPageFn with a single backing Go
// slice, so the heap can be exercised without a real committed virtual
// heap or physical frames.
type fakeSource struct {
	buf    []byte
	base   uintptr
	cursor uintptr
	limit  uintptr
}

func newFakeSource(pages int) *fakeSource {
	size := uintptr(pages+1) * uintptr(mem.PageSize)
	buf := make([]byte, size)
	return &fakeSource{
		buf:   buf,
		base:  uintptr(unsafe.Pointer(&buf[0])),
		limit: uintptr(pages) * uintptr(mem.PageSize),
	}
}

func (f *fakeSource) commit(bytes uintptr) uintptr {
	pageSize := uintptr(mem.PageSize)
	need := (bytes + pageSize - 1) / pageSize * pageSize
	if f.cursor+need > f.limit {
		return 0
	}
	va := f.base + f.cursor
	f.cursor += need
	return va
}

func (f *fakeSource) allocPage() uintptr {
	return f.commit(uintptr(mem.PageSize))
}

func resetState() {
	freeListHead = 0
	tailPtr, tailSize = 0, 0
	mode = ModeSmart
}

func install(t *testing.T, f *fakeSource) {
	t.Helper()

	origCommit, origPage := vheapCommitFn, allocPageFn
	t.Cleanup(func() {
		vheapCommitFn, allocPageFn = origCommit, origPage
		resetState()
	})

	vheapCommitFn = f.commit
	allocPageFn = f.allocPage
	resetState()
}

func TestAllocZeroOnExhaustion(t *testing.T) {
	f := newFakeSource(0)
	install(t, f)

	if p := Alloc(32); p != 0 {
		t.Fatalf("expected 0 with no backing pages; got %#x", p)
	}
}

func TestAllocThenFreeRoundTrips(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	p := Alloc(40)
	if p == 0 {
		t.Fatal("expected a successful allocation")
	}

	hdr := headerAt(p - headerSize)
	if hdr.magic != magicValue {
		t.Fatalf("expected magic %#x; got %#x", magicValue, hdr.magic)
	}
	if hdr.requested != 40 {
		t.Fatalf("expected requested size 40; got %d", hdr.requested)
	}

	Free(p)
}

func TestFreeDetectsCorruptMagic(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	var halted bool
	origFatal := fatalFn
	fatalFn = func(msg string, ptr uintptr) { halted = true }
	t.Cleanup(func() { fatalFn = origFatal })

	p := Alloc(16)
	hdr := headerAt(p - headerSize)
	hdr.magic = 0

	Free(p)

	if !halted {
		t.Fatal("expected corrupted magic to trigger the fatal path")
	}
}

func TestFreeDetectsRedzoneOverwrite(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	var gotMsg string
	origFatal := fatalFn
	fatalFn = func(msg string, ptr uintptr) { gotMsg = msg }
	t.Cleanup(func() { fatalFn = origFatal })

	p := Alloc(16)
	// Stomp one byte past the payload, inside the back redzone.
	*(*byte)(unsafe.Pointer(p + 16)) = 0x00

	Free(p)

	if gotMsg != "stelloc free: back redzone corrupt" {
		t.Fatalf("fatal message = %q, want the back-redzone diagnostic", gotMsg)
	}
}

func TestAllocPoisonsPayloadAndFreeRepoisons(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	p := Alloc(24)
	if p == 0 {
		t.Fatal("expected a successful allocation")
	}
	for i := uintptr(0); i < 24; i++ {
		if got := *(*byte)(unsafe.Pointer(p + i)); got != poisonAlloc {
			t.Fatalf("payload byte %d = %#x, want alloc poison %#x", i, got, poisonAlloc)
		}
	}

	Free(p)

	// Freed payload carries the free poison; the redzones on either side
	// keep their pattern until the block is handed out again.
	for i := uintptr(0); i < 24; i++ {
		if got := *(*byte)(unsafe.Pointer(p + i)); got != poisonFree {
			t.Fatalf("freed payload byte %d = %#x, want free poison %#x", i, got, poisonFree)
		}
	}
	if !checkRedzone(p-redzoneSize, redzoneSize) {
		t.Fatal("expected the front redzone to survive the free")
	}
	if !checkRedzone(p+24, redzoneSize) {
		t.Fatal("expected the back redzone to survive the free")
	}
}

func TestTailBumpServesConsecutiveSmallAllocs(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	a := Alloc(16)
	if a == 0 {
		t.Fatal("expected first allocation to succeed")
	}
	if tailSize == 0 {
		t.Fatal("expected a tail-bump remainder after the first allocation")
	}

	beforeTail := tailPtr
	b := Alloc(8)
	if b == 0 {
		t.Fatal("expected second allocation to succeed from the tail")
	}
	if b != beforeTail+headerSize {
		t.Fatalf("expected second allocation to be carved from the tail at %#x; got %#x", beforeTail, b)
	}
}

func TestFreeRewindsTailWhenAdjacent(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	a := Alloc(16)
	if a == 0 {
		t.Fatal("expected allocation to succeed")
	}
	tailBefore := tailSize

	Free(a)

	if tailSize <= tailBefore {
		t.Fatal("expected freeing the most recent allocation to rewind and grow the tail")
	}
}

func TestSetModeAndGetMode(t *testing.T) {
	f := newFakeSource(1)
	install(t, f)

	SetMode(ModeAggressive)
	if GetMode() != ModeAggressive {
		t.Fatal("expected GetMode to report the mode set by SetMode")
	}
}

func TestAllocGrowsFromPagesWhenVheapExhausted(t *testing.T) {
	f := newFakeSource(4)
	install(t, f)

	// Force vheapCommitFn to fail so growth falls back to allocPageFn.
	vheapCommitFn = func(uintptr) uintptr { return 0 }

	p := Alloc(64)
	if p == 0 {
		t.Fatal("expected the page-allocator fallback to satisfy the request")
	}
}
