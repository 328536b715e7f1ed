// Package timer programs a single periodic interrupt source — preferring
// the LAPIC timer, then the HPET routed through the IOAPIC, then the
// legacy PIT — and fans registered callbacks out of its ISR after EOI.
// The scheduler registers its tick handler as one such callback; nothing
// else in the kernel cares which hardware is actually ticking.
package timer

import (
	"sync/atomic"
	"unsafe"

	"redline/kernel"
	"redline/kernel/acpi"
	"redline/kernel/cpu"
	"redline/kernel/irq"
	"redline/kernel/kfmt"
	"redline/kernel/mem"
	"redline/kernel/time/timebase"
)

func ptr32(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
func ptr64(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// Source identifies which hardware is driving the periodic tick.
type Source int

const (
	SourceNone Source = iota
	SourceLAPIC
	SourceHPET
	SourcePIT
)

func (s Source) String() string {
	switch s {
	case SourceLAPIC:
		return "LAPIC"
	case SourceHPET:
		return "HPET"
	case SourcePIT:
		return "PIT"
	default:
		return "none"
	}
}

const maxCallbacks = 32

var (
	errTooManyCallbacks = &kernel.Error{Module: "timer", Message: "too many registered tick callbacks"}

	source Source
	hz     uint32
	ticks  uint64 // atomic

	callbacks   [maxCallbacks]func()
	callbackLen int

	lapicVirt uintptr
	hpetVirt  uintptr

	calibrateWindowNS uint64 = 10 * 1000 * 1000 // 10ms
)

// LAPIC register offsets, in bytes from the MMIO base.
const (
	lapicRegID        = 0x020
	lapicRegEOI       = 0x0B0
	lapicRegTPR       = 0x080
	lapicRegSVR       = 0x0F0
	lapicRegLVTTimer  = 0x320
	lapicRegTimerInit = 0x380
	lapicRegTimerCurr = 0x390
	lapicRegTimerDiv  = 0x3E0
)

const (
	svrEnable = 0x100

	lvtTimerOneShot  = 0x00000
	lvtTimerPeriodic = 0x20000

	msrIA32APICBase   = 0x1B
	apicBaseEnableBit = 1 << 11
)

// Init selects and programs a single periodic interrupt source targeting
// hz ticks per second (1000 if hz is 0), in preference order LAPIC, HPET
// (via IOAPIC), PIT. timebase.Init must already have run, since the LAPIC
// path calibrates against it; the HPET path uses the HPET's own period.
func Init(hzHint uint32) *kernel.Error {
	if hzHint == 0 {
		hzHint = 1000
	}
	hz = hzHint
	ticks = 0
	callbackLen = 0
	for i := range callbacks {
		callbacks[i] = nil
	}

	// The legacy PIC gets remapped and fully masked no matter which source
	// wins; initPIT clears the mask on IRQ0 again only if the PIT ends up
	// driving the tick itself.
	RemapAndMaskAll()

	if base, ok := acpi.LAPICBase(); ok {
		if initLAPIC(base, hz) {
			source = SourceLAPIC
			kfmt.Info("timer: using LAPIC at %d Hz", hz)
			return nil
		}
	}

	if addrSpaceID, hpetBase, ok := acpi.HPETInfo(); ok && addrSpaceID == 0 {
		if ioBase, gsiBase, ioOK := acpi.FirstIOAPIC(); ioOK {
			if initHPET(hpetBase, ioBase, gsiBase, hz) {
				source = SourceHPET
				kfmt.Info("timer: using HPET (IOAPIC-routed) at %d Hz", hz)
				return nil
			}
		}
	}

	initPIT(hz)
	source = SourcePIT
	kfmt.Info("timer: using PIT at %d Hz", hz)
	return nil
}

// ActiveVector returns the IDT vector Init wired the active source's
// interrupt to, so a preemptive scheduler can chain its own handler onto
// the same vector behind the source's own tick bookkeeping.
func ActiveVector() irq.Vector {
	switch source {
	case SourceLAPIC:
		return irq.LAPICTimerVector
	case SourceHPET:
		return irq.HPETTimerVector
	default:
		return irq.LegacyIRQBase
	}
}

// ActiveSource returns the hardware source Init selected.
func ActiveSource() Source { return source }

// HZ returns the configured tick rate.
func HZ() uint32 { return hz }

// Ticks returns the number of periodic interrupts serviced so far.
func Ticks() uint64 { return atomic.LoadUint64(&ticks) }

// OnTick registers cb to run, once per tick, after the active source's ISR
// acknowledges the interrupt. Order of registration is preserved.
func OnTick(cb func()) *kernel.Error {
	if callbackLen >= maxCallbacks {
		return errTooManyCallbacks
	}
	callbacks[callbackLen] = cb
	callbackLen++
	return nil
}

func runCallbacks() {
	atomic.AddUint64(&ticks, 1)
	for i := 0; i < callbackLen; i++ {
		if cb := callbacks[i]; cb != nil {
			cb()
		}
	}
}

func lapicRead(off uintptr) uint32 {
	return *(*uint32)(ptr32(lapicVirt + off))
}

func lapicWrite(off uintptr, v uint32) {
	*(*uint32)(ptr32(lapicVirt + off)) = v
}

func initLAPIC(physBase uint64, hzTarget uint32) bool {
	lapicVirt = mem.PhysToVirt(uintptr(physBase))

	base := cpu.ReadMSR(msrIA32APICBase)
	if base&apicBaseEnableBit == 0 {
		cpu.WriteMSR(msrIA32APICBase, base|apicBaseEnableBit)
	}

	svr := lapicRead(lapicRegSVR)
	lapicWrite(lapicRegSVR, svr|svrEnable|uint32(irq.SpuriousVector))
	lapicWrite(lapicRegTPR, 0)
	lapicWrite(lapicRegTimerDiv, 0x3) // divide by 16

	irq.Register(irq.LAPICTimerVector, lapicTimerISR)

	lapicWrite(lapicRegLVTTimer, uint32(irq.LAPICTimerVector)|lvtTimerOneShot)
	lapicWrite(lapicRegTimerInit, 0xFFFFFFFF)

	start := timebase.MonotonicNS()
	timebase.SleepNS(calibrateWindowNS)
	curr := lapicRead(lapicRegTimerCurr)
	elapsed := uint32(0xFFFFFFFF) - curr
	actualWindow := timebase.MonotonicNS() - start
	if actualWindow == 0 {
		actualWindow = calibrateWindowNS
	}

	apicHz := uint64(elapsed) * 1000000000 / actualWindow
	if apicHz == 0 {
		apicHz = 100000000 / 16 // conservative guess if calibration failed
	}

	initial := uint32(apicHz / uint64(hzTarget))
	if initial == 0 {
		initial = 1
	}

	lapicWrite(lapicRegLVTTimer, uint32(irq.LAPICTimerVector)|lvtTimerPeriodic)
	lapicWrite(lapicRegTimerInit, initial)

	return true
}

// Callbacks are fanned out only after EOI, so a callback that ends up
// rewriting the interrupt frame (the scheduler's preemption path) cannot
// leave the controller waiting for an acknowledgement that never comes.
func lapicTimerISR(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	lapicWrite(lapicRegEOI, 0)
	runCallbacks()
}

// HPET register layout, in 64-bit-word units from the MMIO base.
const (
	hpetRegGCAPID   = 0x000 / 8
	hpetRegConfig   = 0x010 / 8
	hpetRegIntStat  = 0x020 / 8
	hpetRegCounter  = 0x0F0 / 8
	hpetTimerStride = 0x020 / 8
	hpetTimerBase   = 0x100 / 8
)

const (
	hpetTimerTypePeriodic = 1 << 3
	hpetTimerIntEnable    = 1 << 2
	hpetTimerIntEdge      = 1 << 1
	hpetTimerValSet       = 1 << 6
	hpetRouteCapShift     = 32
)

func hpetRead(off uintptr) uint64 {
	return *(*uint64)(ptr64(hpetVirt + off*8))
}

func hpetWrite(off uintptr, v uint64) {
	*(*uint64)(ptr64(hpetVirt + off*8)) = v
}

func initHPET(hpetPhys, ioapicPhys uint64, ioapicGSIBase uint32, hzTarget uint32) bool {
	hpetVirt = mem.PhysToVirt(uintptr(hpetPhys))

	caps := hpetRead(hpetRegGCAPID)
	periodFs := caps >> 32
	if periodFs == 0 {
		hpetVirt = 0
		return false
	}

	const comparator = 0

	conf := hpetRead(hpetRegConfig)
	hpetWrite(hpetRegConfig, conf&^1)

	tnCfgOff := uintptr(hpetTimerBase + comparator*hpetTimerStride)
	tnCmpOff := tnCfgOff + 1

	hpetWrite(hpetRegIntStat, 1<<comparator)

	cfg := hpetRead(tnCfgOff)
	cfg |= hpetTimerTypePeriodic
	cfg &^= hpetTimerIntEdge
	cfg &^= hpetTimerIntEnable

	nsInterval := uint64(1000000000) / uint64(hzTarget)
	ticksPerPeriod := nsInterval * 1000000 / periodFs
	if ticksPerPeriod == 0 {
		ticksPerPeriod = 1
	}

	hpetWrite(tnCfgOff, cfg)
	hpetWrite(tnCmpOff, ticksPerPeriod)
	hpetWrite(tnCfgOff, cfg|hpetTimerValSet)
	hpetWrite(tnCmpOff, ticksPerPeriod)

	routeCap := uint32(hpetRead(tnCfgOff) >> hpetRouteCapShift)
	if routeCap == 0 {
		hpetVirt = 0
		return false
	}

	gsi, pinOK := selectHPETRouteGSI(routeCap, ioapicGSIBase)
	if !pinOK {
		hpetVirt = 0
		return false
	}

	cfg = hpetRead(tnCfgOff)
	cfg &^= 0x1F << 9
	cfg |= uint64(gsi-ioapicGSIBase) << 9
	hpetWrite(tnCfgOff, cfg)

	ioapicVirt := mem.PhysToVirt(uintptr(ioapicPhys))
	ioapicMaskIRQ(ioapicVirt, ioapicGSIBase, gsi)
	ioapicRouteIRQ(ioapicVirt, ioapicGSIBase, gsi, uint8(irq.HPETTimerVector))
	irq.Register(irq.HPETTimerVector, hpetTimerISR)
	ioapicUnmaskIRQ(ioapicVirt, ioapicGSIBase, gsi)

	cfg = hpetRead(tnCfgOff)
	cfg |= hpetTimerIntEnable
	hpetWrite(tnCfgOff, cfg)
	hpetWrite(hpetRegIntStat, 1<<comparator)

	hpetWrite(hpetRegCounter, 0)
	conf = hpetRead(hpetRegConfig)
	hpetWrite(hpetRegConfig, conf|1)

	return true
}

// selectHPETRouteGSI picks a GSI the HPET comparator can be routed to,
// preferring one at or above 16 to avoid colliding with an ISA IRQ line
// that legacy PIT/keyboard/cascade wiring may still expect.
func selectHPETRouteGSI(routeCap uint32, gsiBase uint32) (uint32, bool) {
	for pin := uint32(0); pin < 32; pin++ {
		if routeCap&(1<<pin) == 0 {
			continue
		}
		gsi := gsiBase + pin
		if gsi >= 16 {
			return gsi, true
		}
	}
	for pin := uint32(0); pin < 32; pin++ {
		if routeCap&(1<<pin) == 0 {
			continue
		}
		gsi := gsiBase + pin
		if gsi == 0 || gsi == 1 || gsi == 2 || gsi == 8 {
			continue
		}
		return gsi, true
	}
	return 0, false
}

func hpetTimerISR(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	hpetWrite(hpetRegIntStat, 1)
	// EOI for an IOAPIC-routed vector still goes through the LAPIC.
	lapicWrite(lapicRegEOI, 0)
	runCallbacks()
}

// IOAPIC register indices, selected through the index/data MMIO pair at
// offsets 0x00 and 0x10.
const (
	ioapicRegWindowOff = 0x10
)

func ioapicWrite(base uintptr, reg uint8, val uint32) {
	*(*uint32)(ptr32(base)) = uint32(reg)
	*(*uint32)(ptr32(base + ioapicRegWindowOff)) = val
}

func ioapicRead(base uintptr, reg uint8) uint32 {
	*(*uint32)(ptr32(base)) = uint32(reg)
	return *(*uint32)(ptr32(base + ioapicRegWindowOff))
}

func ioapicRedirIndex(gsiBase, gsi uint32) uint8 {
	return uint8(0x10 + (gsi-gsiBase)*2)
}

func ioapicWriteRedir(base uintptr, gsiBase, gsi uint32, value uint64) {
	idx := ioapicRedirIndex(gsiBase, gsi)
	ioapicWrite(base, idx, uint32(value))
	ioapicWrite(base, idx+1, uint32(value>>32))
}

func ioapicReadRedir(base uintptr, gsiBase, gsi uint32) uint64 {
	idx := ioapicRedirIndex(gsiBase, gsi)
	lo := ioapicRead(base, idx)
	hi := ioapicRead(base, idx+1)
	return uint64(hi)<<32 | uint64(lo)
}

func ioapicMaskIRQ(base uintptr, gsiBase, gsi uint32) {
	red := ioapicReadRedir(base, gsiBase, gsi)
	ioapicWriteRedir(base, gsiBase, gsi, red|1<<16)
}

func ioapicUnmaskIRQ(base uintptr, gsiBase, gsi uint32) {
	red := ioapicReadRedir(base, gsiBase, gsi)
	ioapicWriteRedir(base, gsiBase, gsi, red&^(1<<16))
}

func ioapicRouteIRQ(base uintptr, gsiBase, gsi uint32, vector uint8) {
	red := ioapicReadRedir(base, gsiBase, gsi)
	red &^= 0xFF
	red |= uint64(vector)
	red &^= 1 << 11 // physical delivery
	red &^= 1 << 13 // active high
	red &^= 1 << 15 // edge triggered
	ioapicWriteRedir(base, gsiBase, gsi, red)
}

const pitFreqHz = 1193182

func initPIT(hzTarget uint32) {
	divisor := uint16(pitFreqHz / hzTarget)
	cpu.Out8(0x43, 0x36) // channel 0, lobyte/hibyte, mode 3, binary
	cpu.Out8(0x40, uint8(divisor))
	cpu.Out8(0x40, uint8(divisor>>8))

	irq.Register(irq.LegacyIRQBase, pitISR)
	clearPICMask(0)
}

func pitISR(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	sendPICEOI(int(irq.LegacyIRQBase))
	if !timebase.UsesHPET() && !timebase.UsesTSC() {
		// The PIT-as-tick fallback is also the only clock the coarse
		// timebase has; advance it one tick interval per interrupt.
		timebase.TickCoarse(1000000000 / uint64(hz))
	}
	runCallbacks()
}
