// Package panic implements the kernel's panic core: a one-shot,
// SMP-serialized path that disables interrupts, halts every other CPU,
// and dumps the failing register/frame state, the faulting instruction
// and a best-effort backtrace before halting forever. It is installed as
// kernel/irq's terminal handler so any exception that default exception
// recovery (the page-fault retry path) can't fix ends up here, and it
// also serves as the direct entry point subsystem init code reaches for
// when it detects a fatal condition outside of any interrupt frame.
package panic

import (
	"sync/atomic"
	"unsafe"

	"redline/kernel"
	"redline/kernel/cpu"
	"redline/kernel/irq"
	"redline/kernel/kfmt"
	"redline/kernel/panic/disasm"
	"redline/kernel/panic/symbols"
	"redline/kernel/smp"
)

var (
	fired uint32 // atomic one-shot flag, CAS'd 0->1 by the first entrant

	// Mocked in tests following the teacher's cpuHaltFn idiom so a panic
	// path can be exercised under go test without actually halting the
	// test binary or touching real SMP/CPU state.
	haltFn       = cpu.Halt
	haltOthersFn = smp.HaltOthers
	disableIntFn = cpu.DisableInterrupts
	readCR2Fn    = cpu.ReadCR2

	// disasmWindowFn is substituted in tests: the real decoder reads raw
	// memory at the supplied RIP, which a hosted go test process has no
	// business dereferencing for an arbitrary synthetic address.
	disasmWindowFn = disasm.Window
)

// Init installs the panic core as the fallback kernel/irq's default
// exception handler escalates to once page-fault recovery has been ruled
// out. It must run after kernel/irq.InstallDefaults and before interrupts
// are enabled.
func Init() {
	irq.SetPanicHandler(Trap)
}

// vectorName maps an exception vector to the short human-readable reason
// string the reference kernel's exc_name table uses.
func vectorName(v irq.Vector) string {
	switch v {
	case irq.DivideError:
		return "Divide-by-zero"
	case irq.Debug:
		return "Debug"
	case irq.NMI:
		return "NMI"
	case irq.Breakpoint:
		return "Breakpoint"
	case irq.Overflow:
		return "Overflow"
	case irq.BoundRange:
		return "BOUND range"
	case irq.InvalidOpcode:
		return "Invalid opcode"
	case irq.DeviceNA:
		return "Device not available"
	case irq.DoubleFault:
		return "Double fault"
	case irq.InvalidTSS:
		return "Invalid TSS"
	case irq.SegmentNotPresent:
		return "Segment not present"
	case irq.StackFault:
		return "Stack fault"
	case irq.GPFault:
		return "General protection"
	case irq.PageFault:
		return "Page fault"
	default:
		return "Exception"
	}
}

// serialize claims the one-shot panic flag. Only the first caller, across
// every CPU, gets true; everyone else (another CPU reached here through
// the halt-IPI broadcast, or this same path re-entered) gets false.
func serialize() bool {
	return atomic.CompareAndSwapUint32(&fired, 0, 1)
}

func haltForever() {
	for {
		haltFn()
	}
}

// Trap is installed via irq.SetPanicHandler and runs for any exception
// kernel/irq's default handler could not recover from (everything except
// a page fault resolved by vheap.MapOne).
func Trap(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	disableIntFn()
	if !serialize() {
		haltForever()
	}

	haltOthersFn()
	kfmt.Printf("[panic] other CPUs halted\n")

	kfmt.Printf("\n===== KERNEL PANIC =====\n")
	kfmt.Printf("Reason: %s (vector %d, err=%x)\n\n", vectorName(vector), uint32(vector), errCode)

	if vector == irq.PageFault {
		kfmt.Printf("CR2 (faulting address) = %16x\n\n", readCR2Fn())
	}

	if regs != nil {
		regs.Print()
	}
	if frame != nil {
		frame.Print()
	}
	kfmt.Printf("\n")

	var rip, rbp uint64
	if frame != nil {
		rip = frame.RIP
	}
	if regs != nil {
		rbp = regs.RBP
	}

	dumpDisasm(rip)
	dumpBacktrace(rip, rbp)

	haltForever()
}

// Panic is the non-trap entry point for a fatal condition detected outside
// of any interrupt context (an allocator or bring-up failure during boot,
// before the scheduler or any task is running). There is no hardware-
// pushed frame to dump in that case, so only the reason is printed.
func Panic(err *kernel.Error) {
	disableIntFn()
	if !serialize() {
		haltForever()
	}

	haltOthersFn()
	kfmt.Printf("[panic] other CPUs halted\n")

	kfmt.Printf("\n===== KERNEL PANIC =====\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	} else {
		kfmt.Printf("unrecoverable error\n")
	}
	kfmt.Printf("*** kernel panic: system halted ***\n")

	haltForever()
}

func dumpDisasm(rip uint64) {
	if rip == 0 {
		return
	}
	kfmt.Printf("Disassembly near RIP:\n")
	for _, insn := range disasmWindowFn(rip) {
		marker := ""
		if insn.Addr == rip {
			marker = " <RIP>"
		}
		kfmt.Printf(" %16x: %s%s\n", insn.Addr, insn.Text, marker)
	}
	kfmt.Printf("\n")
}

// dumpBacktrace walks the classic saved-RBP chain: each frame's first
// word is the caller's RBP, the second the return address. It stops after
// 16 frames, on an implausible RBP, or when a frame fails to make
// progress, matching the reference kernel's panic_backtrace bounds.
func dumpBacktrace(rip, rbp uint64) {
	kfmt.Printf("Backtrace (most recent call first):\n")

	for depth := 0; depth < 16 && rip != 0; depth++ {
		if sym, ok := symbols.Lookup(rip); ok {
			kfmt.Printf(" #%d RIP=%16x <%s+%x> RBP=%16x\n", depth, rip, sym.Name, symbols.Offset(sym, rip), rbp)
		} else {
			kfmt.Printf(" #%d RIP=%16x RBP=%16x\n", depth, rip, rbp)
		}

		if rbp < 0x1000 || rbp&7 != 0 {
			break
		}

		frame := (*[2]uint64)(unsafe.Pointer(uintptr(rbp)))
		nextRBP, nextRIP := frame[0], frame[1]
		if nextRBP <= rbp || nextRIP == 0 {
			break
		}
		rbp, rip = nextRBP, nextRIP
	}
}
