package timer

import "redline/kernel/cpu"

// Legacy 8259 PIC ports and initialization command words, used only to
// remap the PIC's vector range away from the CPU exception range and then
// mask every line. Once an IOAPIC or the LAPIC timer takes over interrupt
// routing, the PIC itself is never touched again except for the occasional
// PIT-fallback EOI.
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4_8086 = 0x01
)

func ioWait() {
	cpu.Out8(0x80, 0)
}

// remapPIC reprograms the master/slave 8259 pair so their interrupt
// vectors land at 32..47 instead of colliding with the CPU exception
// range 0..31, preserving whatever mask was already in effect.
func remapPIC() {
	m1 := cpu.In8(pic1Data)
	m2 := cpu.In8(pic2Data)

	cpu.Out8(pic1Command, icw1Init|icw1ICW4)
	ioWait()
	cpu.Out8(pic2Command, icw1Init|icw1ICW4)
	ioWait()

	cpu.Out8(pic1Data, 32) // master offset
	ioWait()
	cpu.Out8(pic2Data, 40) // slave offset
	ioWait()

	cpu.Out8(pic1Data, 4) // tell master about the slave on IRQ2
	ioWait()
	cpu.Out8(pic2Data, 2) // tell slave its cascade identity
	ioWait()

	cpu.Out8(pic1Data, icw4_8086)
	ioWait()
	cpu.Out8(pic2Data, icw4_8086)
	ioWait()

	cpu.Out8(pic1Data, m1)
	cpu.Out8(pic2Data, m2)
}

func maskAllPIC() {
	cpu.Out8(pic1Data, 0xFF)
	cpu.Out8(pic2Data, 0xFF)
}

func clearPICMask(irq int) {
	if irq < 8 {
		m := cpu.In8(pic1Data)
		m &^= 1 << uint(irq)
		cpu.Out8(pic1Data, m)
		return
	}
	irq -= 8
	m := cpu.In8(pic2Data)
	m &^= 1 << uint(irq)
	cpu.Out8(pic2Data, m)
}

func sendPICEOI(irqVector int) {
	irq := irqVector - 32
	if irq >= 8 {
		cpu.Out8(pic2Command, 0x20)
	}
	cpu.Out8(pic1Command, 0x20)
}

// RemapAndMaskAll remaps the legacy 8259 PIC's vectors to 32..47 and masks
// every line. Init later clears the mask on IRQ0 only if it falls back to
// the PIT as the periodic tick source.
func RemapAndMaskAll() {
	remapPIC()
	maskAllPIC()
}
