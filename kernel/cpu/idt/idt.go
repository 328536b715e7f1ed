// Package idt builds and loads the kernel's single, global 256-entry
// interrupt descriptor table. Every vector this kernel knows how to
// handle points at the matching landing stub in kernel/irq; the common
// dispatcher living there fans a trap out to whatever handlers have been
// registered for its vector.
package idt

import (
	"unsafe"

	"redline/kernel/irq"
	"redline/kernel/sync"
)

const (
	kernelCS = 0x08 // GDT selector for the kernel code segment

	// gateInterrupt marks a descriptor present, DPL 0, type 0xE (64-bit
	// interrupt gate — IF is cleared on entry).
	gateInterrupt = 0x8E
)

// entry is one 16-byte 64-bit IDT gate descriptor.
type entry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	zero       uint32
}

var (
	lock sync.Spinlock

	table [256]entry
	built bool

	loadFn = loadIDT
)

// loadIDT executes LIDT against the descriptor at idtrAddr. Implemented in
// idt_amd64.s.
func loadIDT(idtrAddr uintptr)

func setGate(vector int, addr uintptr, ist uint8) {
	table[vector] = entry{
		offsetLow:  uint16(addr),
		selector:   kernelCS,
		ist:        ist & 0x7,
		typeAttr:   gateInterrupt,
		offsetMid:  uint16(addr >> 16),
		offsetHigh: uint32(addr >> 32),
	}
}

// installedVectors lists every IDT slot this kernel fills: the 32 CPU
// exceptions, the 16 legacy PIC IRQ lines, and the reserved auxiliary
// vectors (LAPIC timer, HPET timer, the scheduler IPI, and spurious).
func installedVectors() []int {
	v := make([]int, 0, 32+16+4)
	for i := 0; i < 32; i++ {
		v = append(v, i)
	}
	for i := 32; i < 48; i++ {
		v = append(v, i)
	}
	v = append(v, 0xF0, 0xF1, 0xF2, 0xFF)
	return v
}

// Init fills every gate the first time it runs (subsequent calls just
// reload the already-built table, e.g. from a newly woken AP) and issues
// LIDT.
func Init() {
	lock.Acquire()
	defer lock.Release()

	if !built {
		for _, v := range installedVectors() {
			if addr := irq.StubAddr(irq.Vector(v)); addr != 0 {
				setGate(v, addr, 0)
			}
		}
		built = true
	}

	idtr := encodeIDTR(uintptr(unsafe.Pointer(&table[0])), uint16(unsafe.Sizeof(table)-1))
	loadFn(uintptr(unsafe.Pointer(&idtr[0])))
}

// encodeIDTR packs the 10-byte IDTR blob LIDT expects: a little-endian
// 16-bit limit followed by a little-endian 64-bit base.
func encodeIDTR(base uintptr, limit uint16) [10]byte {
	var b [10]byte
	b[0] = byte(limit)
	b[1] = byte(limit >> 8)
	for i := 0; i < 8; i++ {
		b[2+i] = byte(base >> (8 * uint(i)))
	}
	return b
}
