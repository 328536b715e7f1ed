// Package bootinfo caches the one-shot payload handed to the kernel by a
// Limine-class boot loader: the HHDM offset, the physical memory map, the
// RSDP address, the framebuffer descriptor and the MP/SMP response. Every
// other package in this module reads boot-time facts through here instead
// of touching loader structures directly, mirroring the teacher's
// multiboot package shape (VisitMemRegions, GetFramebufferInfo) generalized
// from Multiboot2 tags to a single Limine response struct per request.
package bootinfo

// MemRegionType classifies a MemoryMapEntry the same way the loader does.
type MemRegionType uint32

// nolint
const (
	MemUsable MemRegionType = iota
	MemReserved
	MemACPIReclaimable
	MemACPINVS
	MemBadMemory
	MemBootloaderReclaimable
	MemKernelAndModules
	MemFramebuffer
)

// String implements fmt.Stringer for MemRegionType.
func (t MemRegionType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemACPINVS:
		return "ACPI NVS"
	case MemBadMemory:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel/modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physical memory region reported by the boot
// loader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemRegionType
}

// FramebufferInfo describes the framebuffer the loader already initialized.
// The core treats this as an opaque descriptor; drawing to it is a
// collaborator outside this module's scope.
type FramebufferInfo struct {
	PhysAddr uint64
	Width    uint64
	Height   uint64
	Pitch    uint64
	Bpp      uint16
}

// MPInfo describes one entry of the Limine MP (SMP) response: the
// bootstrap processor plus every application processor the loader already
// parked in a wait loop.
type MPInfo struct {
	// ProcessorID is the ACPI processor UID reported by MADT.
	ProcessorID uint32

	// LAPICID is the local APIC ID used to target this CPU with an IPI.
	LAPICID uint32

	// IsBSP is true for the boot-strap processor entry.
	IsBSP bool

	// GotoAddress points directly at this entry's slot in the loader's own
	// response structure: the function pointer the parked AP spins on and
	// jumps to once the kernel writes it. Nil for the BSP entry, which
	// never needs waking.
	GotoAddress *uint64

	// ExtraArgument points at this entry's opaque argument slot in the
	// loader's response structure. The kernel stores the address of a
	// per-AP bootstrap struct here before arming GotoAddress, and the AP
	// trampoline reads it back out of a register on entry.
	ExtraArgument *uint64
}

// payload holds every field the boot loader reports, populated exactly
// once by Set before kmain touches any subsystem below it.
type payload struct {
	valid bool

	hhdmOffset uint64

	memmap []MemoryMapEntry

	rsdpAddr uint64

	framebuffer    FramebufferInfo
	hasFramebuffer bool

	kernelPhysBase uint64
	kernelVirtBase uint64

	mpEntries  []MPInfo
	bspLAPICID uint32
}

var current payload

// Set records the boot payload. It must be called exactly once, as early
// as possible in kmain, before any call to the accessors below.
func Set(hhdmOffset uint64, memmap []MemoryMapEntry, rsdpAddr uint64, fb *FramebufferInfo, kernelPhysBase, kernelVirtBase uint64, mpEntries []MPInfo, bspLAPICID uint32) {
	current = payload{
		valid:          true,
		hhdmOffset:     hhdmOffset,
		memmap:         memmap,
		rsdpAddr:       rsdpAddr,
		kernelPhysBase: kernelPhysBase,
		kernelVirtBase: kernelVirtBase,
		mpEntries:      mpEntries,
		bspLAPICID:     bspLAPICID,
	}

	if fb != nil {
		current.framebuffer = *fb
		current.hasFramebuffer = true
	}
}

// Valid reports whether Set has already populated the payload.
func Valid() bool {
	return current.valid
}

// HHDMOffset returns the loader-reported higher-half direct map offset.
func HHDMOffset() uint64 {
	return current.hhdmOffset
}

// MemRegionVisitor is invoked by VisitMemoryMap for every reported region.
// The visitor returns false to stop the scan early.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemoryMap calls visitor once per memory-map entry the loader
// reported, in loader order.
func VisitMemoryMap(visitor MemRegionVisitor) {
	for i := range current.memmap {
		if !visitor(&current.memmap[i]) {
			return
		}
	}
}

// MemoryMapLen returns the number of memory-map entries the loader
// reported.
func MemoryMapLen() int {
	return len(current.memmap)
}

// RSDPAddr returns the physical address of the ACPI RSDP, or 0 if the
// loader did not provide one.
func RSDPAddr() uint64 {
	return current.rsdpAddr
}

// Framebuffer returns the loader-initialized framebuffer descriptor and
// whether one was reported.
func Framebuffer() (FramebufferInfo, bool) {
	return current.framebuffer, current.hasFramebuffer
}

// KernelBase returns the physical and virtual load addresses of the
// running kernel image.
func KernelBase() (phys, virt uint64) {
	return current.kernelPhysBase, current.kernelVirtBase
}

// MPEntries returns every CPU the loader parked for SMP bring-up,
// including the bootstrap processor.
func MPEntries() []MPInfo {
	return current.mpEntries
}

// BSPLAPICID returns the local APIC ID of the boot-strap processor.
func BSPLAPICID() uint32 {
	return current.bspLAPICID
}
