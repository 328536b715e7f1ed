package idt

import (
	"testing"

	"redline/kernel/irq"
)

func resetBuilt() {
	built = false
	table = [256]entry{}
}

func TestSetGateEncodesAddressAcrossFields(t *testing.T) {
	defer resetBuilt()

	const addr = uintptr(0x1122_3344_5566_7788)
	setGate(3, addr, 2)

	e := table[3]
	if e.offsetLow != 0x7788 {
		t.Fatalf("expected offsetLow 0x7788; got %#x", e.offsetLow)
	}
	if e.offsetMid != 0x5566 {
		t.Fatalf("expected offsetMid 0x5566; got %#x", e.offsetMid)
	}
	if e.offsetHigh != 0x1122_3344 {
		t.Fatalf("expected offsetHigh 0x11223344; got %#x", e.offsetHigh)
	}
	if e.selector != kernelCS {
		t.Fatalf("expected selector %#x; got %#x", kernelCS, e.selector)
	}
	if e.typeAttr != gateInterrupt {
		t.Fatalf("expected typeAttr %#x; got %#x", gateInterrupt, e.typeAttr)
	}
	if e.ist != 2 {
		t.Fatalf("expected ist 2; got %d", e.ist)
	}
}

func TestEncodeIDTRPacksLimitAndBaseLittleEndian(t *testing.T) {
	blob := encodeIDTR(0x1122_3344_5566_7788, 0x0FFF)

	if blob[0] != 0xFF || blob[1] != 0x0F {
		t.Fatalf("expected limit bytes {0xff,0x0f}; got {%#x,%#x}", blob[0], blob[1])
	}
	want := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	for i, b := range want {
		if blob[2+i] != b {
			t.Fatalf("base byte %d: expected %#x; got %#x", i, b, blob[2+i])
		}
	}
}

func TestInitFillsEveryInstalledVectorOnce(t *testing.T) {
	defer resetBuilt()

	origLoad := loadFn
	var loadedAddr uintptr
	loadFn = func(a uintptr) { loadedAddr = a }
	defer func() { loadFn = origLoad }()

	Init()

	if loadedAddr == 0 {
		t.Fatal("expected loadFn to be invoked with a non-zero IDTR address")
	}

	for _, v := range installedVectors() {
		expect := irq.StubAddr(irq.Vector(v))
		if expect == 0 {
			continue
		}
		e := table[v]
		got := uintptr(e.offsetLow) | uintptr(e.offsetMid)<<16 | uintptr(e.offsetHigh)<<32
		if got != expect {
			t.Fatalf("vector %d: expected stub addr %#x; got %#x", v, expect, got)
		}
	}

	// A second Init should reload without rebuilding the table contents.
	first := table[3]
	Init()
	if table[3] != first {
		t.Fatal("expected a second Init to leave already-built gates untouched")
	}
}

func TestUninstalledVectorIsLeftZero(t *testing.T) {
	defer resetBuilt()

	origLoad := loadFn
	loadFn = func(uintptr) {}
	defer func() { loadFn = origLoad }()

	Init()

	// Vector 48 sits in the gap between the legacy IRQ range and the
	// reserved auxiliary vectors; nothing installs a gate for it.
	if table[48] != (entry{}) {
		t.Fatalf("expected vector 48 to have no stub and stay zeroed; got %+v", table[48])
	}
}
