// Package acpi parses the narrow set of ACPI fixed-layout tables the
// kernel core reads directly: the MADT (for the LAPIC physical base, an
// optional LAPIC-address override, and the first IOAPIC's {phys, gsi_base})
// and the HPET table's MMIO address-space id and base. Every table is
// verified by checksum and signature before use. Full AML bytecode
// evaluation is a named out-of-scope collaborator; this package never
// touches the DSDT/SSDT beyond locating them, which it does not even need
// to do for the fields the core consumes.
package acpi

import (
	"unsafe"

	"redline/kernel"
	"redline/kernel/mem"
)

// sdtHeader is the fixed-layout header shared by every ACPI system
// description table.
type sdtHeader struct {
	signature      [4]byte
	length         uint32
	revision       uint8
	checksum       uint8
	oemID          [6]byte
	oemTableID     [8]byte
	oemRevision    uint32
	creatorID      uint32
	creatorRevison uint32
}

// rsdpV1 is the first 20 bytes of the RSDP, common to every ACPI revision.
type rsdpV1 struct {
	signature    [8]byte
	checksum     uint8
	oemID        [6]byte
	revision     uint8
	rsdtAddress  uint32
}

// rsdpV2 extends rsdpV1 with the ACPI 2.0+ fields, including the 64-bit
// XSDT address.
type rsdpV2 struct {
	rsdpV1
	length           uint32
	xsdtAddress      uint64
	extendedChecksum uint8
	reserved         [3]byte
}

const acpiRev2Plus = 2

// madtEntryHeader prefixes every variable-length entry inside the MADT's
// interrupt-controller-structure list.
type madtEntryHeader struct {
	entryType uint8
	length    uint8
}

const (
	madtTypeIOAPIC               = 1
	madtTypeLAPICAddressOverride = 5
)

type madtIOAPIC struct {
	hdr        madtEntryHeader
	ioapicID   uint8
	reserved   uint8
	ioapicAddr uint32
	gsiBase    uint32
}

// madtLAPICAddrOverride is the 12-byte type-5 entry. Its 64-bit address
// sits at byte offset 4, which Go's natural 8-byte alignment of a uint64
// field would pad out to offset 8, so it is split into lo/hi halves.
type madtLAPICAddrOverride struct {
	hdr         madtEntryHeader
	reserved    uint16
	lapicAddrLo uint32
	lapicAddrHi uint32
}

// hpetTable is the ACPI HPET description table payload that follows the
// common sdtHeader.
type hpetTable struct {
	hwRevID        uint8
	info           uint8
	pciVendorID    uint16
	addrSpaceID    uint8
	registerWidth  uint8
	registerOffset uint8
	accessSize     uint8
	address        uint64
	hpetNumber     uint8
	minTick        uint16
	pageProtection uint8
}

var (
	errNoRSDP            = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errChecksumMismatch  = &kernel.Error{Module: "acpi", Message: "ACPI table checksum mismatch"}
	errBadSignature      = &kernel.Error{Module: "acpi", Message: "unexpected ACPI table signature"}

	madtHeader *sdtHeader
	hpetHeader *sdtHeader

	lapicPhysBase uint64
	haveLAPIC     bool

	ioapicPhys    uint64
	ioapicGSIBase uint32
	haveIOAPIC    bool
)

// Init parses the RSDP at rsdpPhys (as reported by the boot loader, §6),
// locates the XSDT or RSDT, then scans it for the MADT ("APIC") and HPET
// signatures. Both tables are optional; their absence is reported through
// the accessors below rather than as an error from Init, since a system
// without an HPET still boots (the timebase/timer components fall back to
// TSC or PIT).
func Init(rsdpPhys uint64) *kernel.Error {
	madtHeader, hpetHeader = nil, nil
	lapicPhysBase, haveLAPIC = 0, false
	ioapicPhys, ioapicGSIBase, haveIOAPIC = 0, 0, false

	if rsdpPhys == 0 {
		return errNoRSDP
	}

	v1 := (*rsdpV1)(unsafe.Pointer(mem.PhysToVirt(uintptr(rsdpPhys))))

	var sdtAddr uint64
	var useXSDT bool
	if v1.revision >= acpiRev2Plus {
		v2 := (*rsdpV2)(unsafe.Pointer(mem.PhysToVirt(uintptr(rsdpPhys))))
		if v2.xsdtAddress != 0 {
			sdtAddr = v2.xsdtAddress
			useXSDT = true
		}
	}
	if sdtAddr == 0 {
		sdtAddr = uint64(v1.rsdtAddress)
	}
	if sdtAddr == 0 {
		return errNoRSDP
	}

	root := (*sdtHeader)(unsafe.Pointer(mem.PhysToVirt(uintptr(sdtAddr))))
	if !checksumOK(uintptr(unsafe.Pointer(root)), root.length) {
		return errChecksumMismatch
	}

	entrySize := uintptr(4)
	if useXSDT {
		entrySize = 8
	}
	payload := uintptr(root.length) - unsafe.Sizeof(sdtHeader{})
	count := payload / entrySize
	base := uintptr(unsafe.Pointer(root)) + unsafe.Sizeof(sdtHeader{})

	for i := uintptr(0); i < count; i++ {
		var phys uint64
		if useXSDT {
			phys = *(*uint64)(unsafe.Pointer(base + i*8))
		} else {
			phys = uint64(*(*uint32)(unsafe.Pointer(base + i*4)))
		}
		if phys == 0 {
			continue
		}

		hdr := (*sdtHeader)(unsafe.Pointer(mem.PhysToVirt(uintptr(phys))))
		if !checksumOK(uintptr(unsafe.Pointer(hdr)), hdr.length) {
			continue
		}

		switch string(hdr.signature[:]) {
		case "APIC":
			madtHeader = hdr
		case "HPET":
			hpetHeader = hdr
		}
	}

	if madtHeader != nil {
		parseMADT(madtHeader)
	}

	return nil
}

func checksumOK(addr uintptr, length uint32) bool {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(addr + uintptr(i)))
	}
	return sum == 0
}

// parseMADT walks the MADT's variable-length entry list, recording the
// default LAPIC physical base (and any address override) plus the first
// IOAPIC it finds.
func parseMADT(hdr *sdtHeader) {
	type madtFixed struct {
		lapicAddr uint32
		flags     uint32
	}

	fixed := (*madtFixed)(unsafe.Pointer(uintptr(unsafe.Pointer(hdr)) + unsafe.Sizeof(sdtHeader{})))
	lapicPhysBase = uint64(fixed.lapicAddr)
	haveLAPIC = true

	p := uintptr(unsafe.Pointer(hdr)) + unsafe.Sizeof(sdtHeader{}) + unsafe.Sizeof(madtFixed{})
	end := uintptr(unsafe.Pointer(hdr)) + uintptr(hdr.length)

	for p+unsafe.Sizeof(madtEntryHeader{}) <= end {
		eh := (*madtEntryHeader)(unsafe.Pointer(p))
		if eh.length == 0 {
			break
		}

		switch eh.entryType {
		case madtTypeLAPICAddressOverride:
			if uintptr(eh.length) >= unsafe.Sizeof(madtLAPICAddrOverride{}) {
				ov := (*madtLAPICAddrOverride)(unsafe.Pointer(p))
				lapicPhysBase = uint64(ov.lapicAddrHi)<<32 | uint64(ov.lapicAddrLo)
			}
		case madtTypeIOAPIC:
			if !haveIOAPIC && uintptr(eh.length) >= unsafe.Sizeof(madtIOAPIC{}) {
				ioa := (*madtIOAPIC)(unsafe.Pointer(p))
				ioapicPhys = uint64(ioa.ioapicAddr)
				ioapicGSIBase = ioa.gsiBase
				haveIOAPIC = true
			}
		}

		p += uintptr(eh.length)
	}
}

// LAPICBase returns the physical base address of the local APIC MMIO
// registers, as reported by the MADT (accounting for an address
// override), and whether a MADT was found.
func LAPICBase() (uint64, bool) {
	return lapicPhysBase, haveLAPIC
}

// FirstIOAPIC returns the physical base and GSI base of the first IOAPIC
// listed in the MADT, and whether one was found. This kernel only targets
// single-IOAPIC systems; additional IOAPIC entries are ignored.
func FirstIOAPIC() (physBase uint64, gsiBase uint32, ok bool) {
	return ioapicPhys, ioapicGSIBase, haveIOAPIC
}

// HPETInfo returns the HPET table's address-space id (0 means system
// memory, i.e. MMIO) and MMIO base address, and whether an HPET table was
// found.
func HPETInfo() (addrSpaceID uint8, base uint64, ok bool) {
	if hpetHeader == nil {
		return 0, 0, false
	}
	h := (*hpetTable)(unsafe.Pointer(uintptr(unsafe.Pointer(hpetHeader)) + unsafe.Sizeof(sdtHeader{})))
	return h.addrSpaceID, h.address, true
}
