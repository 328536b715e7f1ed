// Package kmain wires every subsystem in kernel/ together in the boot
// order the core's control-flow contract specifies: descriptor tables,
// physical/virtual memory, the two-tier heap, timekeeping, SMP bring-up
// and finally the scheduler. It is the only package that imports the
// whole tree at once, mirroring the reference kernel's main.c and the
// teacher's own Kmain entry point.
package kmain

import (
	"redline/kernel"
	"redline/kernel/acpi"
	"redline/kernel/cpu"
	"redline/kernel/cpu/gdt"
	"redline/kernel/cpu/idt"
	"redline/kernel/hal/bootinfo"
	"redline/kernel/irq"
	"redline/kernel/kfmt"
	"redline/kernel/mem"
	"redline/kernel/mem/heap"
	"redline/kernel/mem/pmm"
	"redline/kernel/mem/vheap"
	"redline/kernel/mem/vmm"
	panicpkg "redline/kernel/panic"
	"redline/kernel/sched"
	"redline/kernel/smp"
	"redline/kernel/time/timebase"
	"redline/kernel/time/timer"
)

// vheapBase is the fixed VA window the general heap and slab cache grow
// into on demand. It sits well above any identity or HHDM mapping the
// loader establishes, matching the window used in the vheap demand-paging
// test scenario.
const (
	vheapBase uintptr = 0xffff900000000000
	vheapSize         = uintptr(16 * mem.Gb) // reserved, committed lazily

	timerHz = 1000
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol the (out-of-scope) rt0 bootstrap code needs
// to call: it hands over the Limine-class loader's boot payload, which
// every subsystem below reads back out of kernel/hal/bootinfo instead of
// touching loader structures directly. Kmain is not expected to return;
// if it does, that is itself treated as a fatal condition.
func Kmain(
	hhdmOffset uint64,
	memmap []bootinfo.MemoryMapEntry,
	rsdpAddr uint64,
	fb *bootinfo.FramebufferInfo,
	kernelPhysBase, kernelVirtBase uint64,
	mpEntries []bootinfo.MPInfo,
	bspLAPICID uint32,
) {
	bootinfo.Set(hhdmOffset, memmap, rsdpAddr, fb, kernelPhysBase, kernelVirtBase, mpEntries, bspLAPICID)
	if !bootinfo.Valid() {
		for {
			cpu.Halt()
		}
	}

	// F. Descriptor tables & IDT: must come before anything that might
	// fault or be interrupted, even though interrupts stay masked until
	// the very end of this function.
	gdt.Init(0) // BSP is CPU index 0
	idt.Init()
	irq.InstallDefaults()
	panicpkg.Init()
	cpu.EnableSSE()

	kfmt.Info("kmain: starting kernel")

	// A. Frame allocator, B. page-table walker, C. virtual heap: each
	// depends on the one before it (vmm resolves CR3 via HHDM once
	// palloc exists to back intermediate tables; vheap backs its pages
	// through both).
	pmm.Init()
	kfmt.Info("kmain: palloc initialized, %d frames free", pmm.FreeCount())

	vmm.Init()

	if err := vheap.Init(vheapBase, vheapSize); err != nil {
		panicpkg.Panic(err)
	}
	kfmt.Info("kmain: virtual heap reserved at %x (%d bytes)", vheapBase, vheapSize)

	// D, E. Slab self-initializes via its package init(); stelloc grows
	// lazily from vheap on first Alloc. A small self-test exercises both
	// tiers and their poison/redzone bookkeeping before anything else
	// depends on the heap.
	heapSelfTest()

	// Legacy PIC is remapped and fully masked inside timer.Init, once a
	// real periodic source has been selected to replace it.

	if err := acpi.Init(rsdpAddr); err != nil {
		kfmt.Warn("kmain: acpi: %s (continuing without ACPI tables)", err.Message)
	}

	if err := timebase.Init(0); err != nil {
		panicpkg.Panic(err)
	}

	if err := timer.Init(timerHz); err != nil {
		panicpkg.Panic(err)
	}
	kfmt.Info("kmain: timer source=%s hz=%d", timer.ActiveSource().String(), timer.HZ())

	if err := smp.BringUp(); err != nil {
		panicpkg.Panic(err)
	}

	if err := sched.Init(timer.HZ()); err != nil {
		panicpkg.Panic(err)
	}

	cpu.EnableInterrupts()
	kfmt.Info("kmain: interrupts enabled")

	sched.Start()

	kfmt.Info("kmain: kernel initialization complete")

	panicpkg.Panic(errKmainReturned)
}

// heapSelfTest exercises a slab-sized and a stelloc-sized allocation
// through the heap front door before any other subsystem depends on it,
// mirroring the reference kernel's boot-time allocator self-test. A
// failure here is a palloc/vmm/vheap wiring bug, not a runtime condition,
// so it panics immediately rather than letting a later subsystem hit a
// confusing secondary failure.
func heapSelfTest() {
	a := heap.Alloc(24)   // slab tier
	b := heap.Alloc(64)   // slab tier
	c := heap.Alloc(2048) // general tier

	if a == 0 || b == 0 || c == 0 {
		panicpkg.Panic(&kernel.Error{Module: "kmain", Message: "heap allocator self-test failed to return memory"})
	}

	heap.Free(a)
	heap.Free(b)
	heap.Free(c)

	kfmt.Info("kmain: heap allocator self-test passed")
}
