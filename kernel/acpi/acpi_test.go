package acpi

import (
	"testing"
	"unsafe"

	"redline/kernel/hal/bootinfo"
)

// fakePhysMem backs a single Go byte slice that stands in for physical
// memory; bootinfo's HHDM offset is set to the slice's own address so
// mem.PhysToVirt(phys) resolves to buf[phys] the way a real identity/HHDM
// mapping would, without touching page tables at all.
type fakePhysMem struct {
	buf []byte
}

func newFakePhysMem(size int) *fakePhysMem {
	return &fakePhysMem{buf: make([]byte, size)}
}

func (m *fakePhysMem) install(t *testing.T) {
	t.Helper()
	hhdm := uint64(uintptr(unsafe.Pointer(&m.buf[0])))
	bootinfo.Set(hhdm, nil, 0, nil, 0, 0, nil, 0)
}

func (m *fakePhysMem) put(offset uintptr, v interface{}) {
	switch x := v.(type) {
	case []byte:
		copy(m.buf[offset:], x)
	default:
		panic("unsupported put type")
	}
}

func (m *fakePhysMem) ptr(offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(&m.buf[offset])
}

func checksumFix(buf []byte, checksumOffset int) {
	buf[checksumOffset] = 0
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	buf[checksumOffset] = uint8(0 - sum)
}

// buildSDTHeader writes a 36-byte ACPI SDT header at offset in buf with the
// given 4-byte signature and total table length. The checksum byte sits at
// index 9 of the header and is left for checksumFix to fill in.
func buildSDTHeader(buf []byte, offset int, sig string, length uint32) {
	copy(buf[offset:offset+4], sig)
	buf[offset+4] = byte(length)
	buf[offset+5] = byte(length >> 8)
	buf[offset+6] = byte(length >> 16)
	buf[offset+7] = byte(length >> 24)
	// revision, checksum (fixed later), oemID[6], oemTableID[8],
	// oemRevision[4], creatorID[4], creatorRevision[4] all zero-filled by
	// make([]byte, ...).
}

func TestInitFindsMADTAndHPET(t *testing.T) {
	mem := newFakePhysMem(4096)
	mem.install(t)

	const (
		rsdpOff = 0x040 // non-zero: Init treats address 0 as "no RSDP"
		xsdtOff = 0x100
		madtOff = 0x200
		hpetOff = 0x300
	)

	// XSDT: header (36 bytes) + one 8-byte entry pointing at the MADT and
	// one pointing at the HPET.
	const xsdtLen = 36 + 16
	buildSDTHeader(mem.buf, xsdtOff, "XSDT", xsdtLen)
	putU64(mem.buf, xsdtOff+36, uint64(madtOff))
	putU64(mem.buf, xsdtOff+44, uint64(hpetOff))
	checksumFix(mem.buf[xsdtOff:xsdtOff+xsdtLen], 9)

	// MADT: header + {lapicAddr, flags} + one LAPIC-address-override entry
	// + one IOAPIC entry.
	const madtLen = 36 + 8 + 12 + 12
	buildSDTHeader(mem.buf, madtOff, "APIC", madtLen)
	putU32(mem.buf, madtOff+36, 0xFEE00000) // default LAPIC phys base
	putU32(mem.buf, madtOff+40, 0)          // flags

	overrideOff := madtOff + 44
	mem.buf[overrideOff] = madtTypeLAPICAddressOverride
	mem.buf[overrideOff+1] = 12
	putU64(mem.buf, overrideOff+4, 0xFEE01000)

	ioapicOff := overrideOff + 12
	mem.buf[ioapicOff] = madtTypeIOAPIC
	mem.buf[ioapicOff+1] = 12
	mem.buf[ioapicOff+2] = 1 // ioapicID
	putU32(mem.buf, ioapicOff+4, 0xFEC00000)
	putU32(mem.buf, ioapicOff+8, 24) // gsiBase
	checksumFix(mem.buf[madtOff:madtOff+madtLen], 9)

	// HPET: header + fixed payload.
	const hpetLen = 36 + 20
	buildSDTHeader(mem.buf, hpetOff, "HPET", hpetLen)
	mem.buf[hpetOff+36+4] = 0 // addrSpaceID (0 == system memory / MMIO)
	putU64(mem.buf, hpetOff+36+8, 0xFED00000)
	checksumFix(mem.buf[hpetOff:hpetOff+hpetLen], 9)

	// RSDP v2+: revision>=2, xsdtAddress set.
	copy(mem.buf[rsdpOff:rsdpOff+8], "RSD PTR ")
	mem.buf[rsdpOff+15] = 2 // revision
	putU32(mem.buf, rsdpOff+16, 0)
	putU32(mem.buf, rsdpOff+20, 0) // length (unchecked by this package)
	putU64(mem.buf, rsdpOff+24, uint64(xsdtOff))

	if err := Init(uint64(rsdpOff)); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if base, ok := LAPICBase(); !ok || base != 0xFEE01000 {
		t.Fatalf("expected overridden LAPIC base 0xFEE01000, got %#x ok=%v", base, ok)
	}
	if phys, gsi, ok := FirstIOAPIC(); !ok || phys != 0xFEC00000 || gsi != 24 {
		t.Fatalf("expected IOAPIC {0xFEC00000, 24}; got {%#x, %d} ok=%v", phys, gsi, ok)
	}
	if asid, base, ok := HPETInfo(); !ok || asid != 0 || base != 0xFED00000 {
		t.Fatalf("expected HPET {0, 0xFED00000}; got {%d, %#x} ok=%v", asid, base, ok)
	}
}

func TestInitNoRSDPReturnsErr(t *testing.T) {
	mem := newFakePhysMem(64)
	mem.install(t)

	if err := Init(0); err != errNoRSDP {
		t.Fatalf("expected errNoRSDP; got %v", err)
	}
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putU64(buf []byte, off int, v uint64) {
	putU32(buf, off, uint32(v))
	putU32(buf, off+4, uint32(v>>32))
}
