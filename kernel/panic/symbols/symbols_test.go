package symbols

import "testing"

func withTable(t *testing.T, entries []Symbol) {
	t.Helper()
	orig := table
	t.Cleanup(func() { table = orig; SetSlide(0) })
	SetTable(entries)
}

func TestLookupNearestBelow(t *testing.T) {
	withTable(t, []Symbol{
		{Addr: 0x1000, Name: "a"},
		{Addr: 0x2000, Name: "b"},
		{Addr: 0x3000, Name: "c"},
	})

	specs := []struct {
		addr    uint64
		wantOK  bool
		wantSym string
	}{
		{0x0FFF, false, ""},
		{0x1000, true, "a"},
		{0x1500, true, "a"},
		{0x2000, true, "b"},
		{0x2FFF, true, "b"},
		{0x3500, true, "c"},
	}

	for _, s := range specs {
		sym, ok := Lookup(s.addr)
		if ok != s.wantOK {
			t.Fatalf("Lookup(%x): ok = %v, want %v", s.addr, ok, s.wantOK)
		}
		if ok && sym.Name != s.wantSym {
			t.Fatalf("Lookup(%x) = %q, want %q", s.addr, sym.Name, s.wantSym)
		}
	}
}

func TestLookupEmptyTable(t *testing.T) {
	withTable(t, nil)

	if _, ok := Lookup(0x1000); ok {
		t.Fatal("expected Lookup against an empty table to report not-found")
	}
}

func TestSlideAppliesBeforeLookup(t *testing.T) {
	withTable(t, []Symbol{{Addr: 0x1000, Name: "a"}})
	SetSlide(0x500)

	sym, ok := Lookup(0x1500)
	if !ok || sym.Name != "a" {
		t.Fatalf("Lookup with slide = (%+v, %v), want (a, true)", sym, ok)
	}

	if _, ok := Lookup(0x1000); ok {
		t.Fatal("expected an address below the slid base to miss")
	}
}

func TestOffset(t *testing.T) {
	withTable(t, []Symbol{{Addr: 0x1000, Name: "a"}})
	SetSlide(0x100)

	sym, _ := Lookup(0x1180)
	if off := Offset(sym, 0x1180); off != 0x80 {
		t.Fatalf("Offset() = %x, want 0x80", off)
	}

	if off := Offset(sym, 0x1000); off != 0 {
		t.Fatalf("Offset() below slid base = %x, want 0", off)
	}
}
