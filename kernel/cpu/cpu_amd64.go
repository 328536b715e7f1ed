// Package cpu exposes the handful of privileged x86_64 instructions the
// rest of the kernel needs: interrupt masking, TLB/page-table control,
// port I/O, MSR access and the timestamp counter. Every exported function
// below is declared without a body; its implementation lives in the
// accompanying assembly file, following the teacher's bodiless-declaration
// idiom for architecture primitives.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// Pause executes the PAUSE instruction, the recommended spin on a
// contended lock or busy-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// table (the value of CR3, masked to its physical-address bits).
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register, the faulting
// linear address recorded by the last page fault.
func ReadCR2() uint64

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint64

// WriteCR4 stores a new value in the CR4 register.
func WriteCR4(val uint64)

// ReadTSC returns the current value of the timestamp counter.
func ReadTSC() uint64

// ReadMSR returns the value of the given model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores a value into the given model-specific register.
func WriteMSR(msr uint32, val uint64)

// In8 reads a byte from the given I/O port.
func In8(port uint16) uint8

// Out8 writes a byte to the given I/O port.
func Out8(port uint16, val uint8)

// In32 reads a 32-bit value from the given I/O port.
func In32(port uint16) uint32

// Out32 writes a 32-bit value to the given I/O port.
func Out32(port uint16, val uint32)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// CR4 bits needed to turn on SSE for the legacy floating point/SIMD state
// used by the task-switch save area (§4.K of the scheduler contract).
const (
	cr4OSFXSR     = 1 << 9
	cr4OSXMMEXCPT = 1 << 10
)

// EnableSSE sets the CR4 bits that let the CPU execute SSE instructions
// and raise ordinary exceptions (rather than #UD) for unmasked SIMD
// floating point errors. Every CPU, BSP and AP alike, must call this once
// during its own bring-up before the scheduler can run a task that
// touches XMM registers.
func EnableSSE() {
	WriteCR4(ReadCR4() | cr4OSFXSR | cr4OSXMMEXCPT)
}
