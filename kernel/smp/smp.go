// Package smp brings up every application processor (AP) the boot loader
// parked in a wait loop: it allocates each AP a guarded stack out of the
// virtual heap, arms the loader's per-CPU entry point, and waits for every
// AP to signal itself online. An AP never enters the task scheduler; once
// its local APIC and descriptor tables are live it drops straight into a
// bare halt loop, leaving the single global runqueue BSP-only.
package smp

import (
	"sync/atomic"
	"unsafe"

	"redline/kernel"
	"redline/kernel/acpi"
	"redline/kernel/cpu"
	"redline/kernel/cpu/gdt"
	"redline/kernel/cpu/idt"
	"redline/kernel/hal/bootinfo"
	"redline/kernel/kfmt"
	"redline/kernel/mem"
	"redline/kernel/mem/vheap"
)

const (
	apStackPages = 16
	pageSize     = 4096

	apStackCanary = 0xCAFEBABEDEADBEEF
)

// apBootstrap is the small struct each AP's extra_argument points at. It is
// carved out of the top of the AP's own committed stack region, read back
// by apEntryStub/apEntryGo once the AP starts executing, and then abandoned
// as the AP's own stack grows down past it.
type apBootstrap struct {
	stackTop uint64
	cpuIndex uint32
	lapicID  uint32
}

var (
	onlineCount uint32 = 1 // BSP counts as online from the start
	totalCount  uint32 = 1

	lapicVirt uintptr

	commitStackFn = vheap.Commit
	pauseFn       = cpu.Pause
)

// apEntryStub is implemented in smp_amd64.s: the address the loader jumps
// every parked AP to. It switches onto the AP's own stack and calls
// apEntryGo with a pointer to that AP's apBootstrap struct.
func apEntryStub()

// BringUp arms every non-bootstrap CPU entry the loader reported and
// returns once every AP has signaled itself online. It is a no-op (besides
// recording a CPU count of 1) on a single-CPU system.
func BringUp() *kernel.Error {
	entries := bootinfo.MPEntries()
	if len(entries) == 0 {
		totalCount = 1
		kfmt.Info("smp: single CPU (no APs)")
		return nil
	}

	totalCount = uint32(len(entries))
	bspID := bootinfo.BSPLAPICID()

	kfmt.Info("smp: %d CPUs reported, bsp_lapic=%d", totalCount, bspID)

	for i := range entries {
		e := &entries[i]
		if e.IsBSP || e.LAPICID == bspID {
			continue
		}
		if ok := armAP(e, i); ok {
			kfmt.Info("smp: queued AP lapic=%d cpu_index=%d", e.LAPICID, i)
		}
	}

	kfmt.Info("smp: waiting for APs...")
	for atomic.LoadUint32(&onlineCount) < totalCount {
		pauseFn()
	}
	kfmt.Info("smp: all %d CPUs online", totalCount)

	return nil
}

// armAP allocates cpuIndex's guarded stack and writes the loader's
// goto_address/extra_argument pair for entry e, returning false (and
// leaving e untouched) if either the entry has no writable entry point or
// the stack allocation failed.
func armAP(e *bootinfo.MPInfo, cpuIndex int) bool {
	if e.GotoAddress == nil || e.ExtraArgument == nil {
		kfmt.Warn("smp: CPU lapic=%d has no writable entry point, skipping", e.LAPICID)
		return false
	}

	bytes := uintptr(apStackPages * pageSize)
	base := commitStackFn(bytes)
	if base == 0 {
		kfmt.Warn("smp: failed to allocate AP stack for lapic=%d", e.LAPICID)
		return false
	}

	// The canary word lives at the lowest address of the guarded region so
	// a stack overflow (growing down from bootAddr) clobbers it first.
	// apBootstrap itself sits at the top, just below stackTop, since it's
	// only read once on entry and the AP's own stack can then grow over it.
	*(*uint64)(unsafe.Pointer(base)) = apStackCanary

	bootAddr := base + bytes - unsafe.Sizeof(apBootstrap{})
	boot := (*apBootstrap)(unsafe.Pointer(bootAddr))
	boot.stackTop = uint64(bootAddr)
	boot.cpuIndex = uint32(cpuIndex)
	boot.lapicID = e.LAPICID

	atomic.StoreUint64(e.ExtraArgument, uint64(uintptr(unsafe.Pointer(boot))))
	atomic.StoreUint64(e.GotoAddress, uint64(funcAddr(apEntryStub)))

	return true
}

// CPUCount returns the total number of CPUs the boot loader reported,
// including the BSP.
func CPUCount() uint32 {
	return totalCount
}

// OnlineCount returns how many CPUs have signaled themselves online so far.
func OnlineCount() uint32 {
	return atomic.LoadUint32(&onlineCount)
}

// LAPIC ICR register pair used to broadcast an IPI. Kept separate from the
// offsets timer.go programs for its own timer LVT entries.
const (
	lapicRegICRLow  = 0x300
	lapicRegICRHigh = 0x310

	icrDeliveryNMI          = 0x4 << 8
	icrDestAllExcludingSelf = 0x3 << 18
)

// HaltOthers broadcasts an NMI to every CPU but the caller and returns
// immediately without waiting for them to act on it. It is the panic
// core's mechanism for stopping other CPUs before dumping crash state: an
// NMI can interrupt a CPU that is spinning with interrupts disabled, which
// a maskable IPI could not. On a single-CPU boot (or before BringUp has
// run) it is a safe no-op.
func HaltOthers() {
	base, ok := acpi.LAPICBase()
	if !ok {
		return
	}
	virt := mem.PhysToVirt(uintptr(base))

	*(*uint32)(unsafe.Pointer(virt + lapicRegICRHigh)) = 0
	*(*uint32)(unsafe.Pointer(virt + lapicRegICRLow)) = icrDeliveryNMI | icrDestAllExcludingSelf
}

// apEntryGo runs on the AP's own stack, called from apEntryStub. It never
// returns.
func apEntryGo(boot *apBootstrap) {
	cpu.EnableSSE()
	gdt.Init(boot.cpuIndex)
	idt.Init()
	enableLocalAPIC()
	cpu.EnableInterrupts()

	atomic.AddUint32(&onlineCount, 1)

	for {
		cpu.Halt()
	}
}

// LAPIC register offsets this package touches directly, duplicated in
// miniature from kernel/time/timer since an AP only ever needs to turn its
// own local APIC on, never to program or calibrate its timer.
const (
	lapicRegSVR = 0x0F0
	lapicRegTPR = 0x080

	svrEnable = 0x100

	msrIA32APICBase   = 0x1B
	apicBaseEnableBit = 1 << 11
)

func enableLocalAPIC() {
	base, ok := acpi.LAPICBase()
	if !ok {
		return
	}
	if lapicVirt == 0 {
		lapicVirt = mem.PhysToVirt(uintptr(base))
	}

	apicBase := cpu.ReadMSR(msrIA32APICBase)
	if apicBase&apicBaseEnableBit == 0 {
		cpu.WriteMSR(msrIA32APICBase, apicBase|apicBaseEnableBit)
	}

	svr := *(*uint32)(unsafe.Pointer(lapicVirt + lapicRegSVR))
	*(*uint32)(unsafe.Pointer(lapicVirt + lapicRegSVR)) = svr | svrEnable | 0xFF
	*(*uint32)(unsafe.Pointer(lapicVirt + lapicRegTPR)) = 0
}

// funcAddr extracts a bodiless Go function's code entry point the same way
// kernel/irq does for its IDT stub table.
func funcAddr(fn func()) uintptr {
	return *(*uintptr)(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}
