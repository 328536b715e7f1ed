// Package disasm decodes a short window of x86_64 instructions around a
// faulting RIP for the panic core's
// crash dump, fulfilling the "faulting instruction disassembled" line of
// the panic contract. Full single-step disassembly of arbitrary code is an
// out-of-scope collaborator; this package exists only to call through to
// one, the same way the reference kernel's panic path calls its own
// hand-rolled disassemble_one instead of reimplementing an x86 decoder
// inline in isr.c.
package disasm

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstrLen is the longest an x86_64 instruction can legally encode to.
const maxInstrLen = 15

// windowBefore/maxInsns bound how many bytes before rip decoding starts
// and how many instructions are decoded for the panic dump, mirroring panic_disassemble's 10-instruction,
// 64-byte window in the reference kernel.
const (
	windowBefore = 8
	maxInsns     = 10
)

// Instruction is one decoded instruction at a known virtual address.
type Instruction struct {
	Addr uint64
	Text string
	Len  int
}

// bytesAt overlays a read-only byte slice on top of n bytes starting at
// addr. The caller must guarantee addr..addr+n is mapped and readable,
// which holds for any RIP the CPU was just executing from.
func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Window decodes up to maxInsns instructions starting a few bytes before
// rip, continuing until a terminal instruction (ret/iretq/hlt/int) at or
// past rip is reached. It never panics on malformed bytes: a zero-length
// decode is treated as a one-byte instruction so the scan always makes
// progress.
func Window(rip uint64) []Instruction {
	start := rip
	if rip > windowBefore {
		start = rip - windowBefore
	}

	var out []Instruction
	offset := uint64(0)

	for i := 0; i < maxInsns; i++ {
		addr := start + offset
		code := bytesAt(uintptr(addr), maxInstrLen)

		inst, err := x86asm.Decode(code, 64)
		length := inst.Len
		text := "?"
		if err == nil && length > 0 {
			text = inst.String()
		} else {
			length = 1
		}

		out = append(out, Instruction{Addr: addr, Text: text, Len: length})

		isTerminal := err == nil && isTerminalOp(inst.Op)
		if isTerminal && addr >= rip {
			break
		}

		offset += uint64(length)
		if offset >= 64 || addr > rip+32 {
			break
		}
	}

	return out
}

func isTerminalOp(op x86asm.Op) bool {
	switch op {
	case x86asm.RET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ, x86asm.HLT, x86asm.INT:
		return true
	default:
		return false
	}
}
