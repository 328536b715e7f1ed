// Package gdt builds the per-CPU GDT and TSS blob pair and loads them for
// the calling CPU. Layout: null, kernel code, kernel data, user data,
// user code, then a 16-byte 64-bit TSS descriptor occupying the last two
// slots.
package gdt

import (
	"unsafe"

	"redline/kernel/sync"
)

const (
	SelectorNull     = 0x00
	SelectorKernelCS = 0x08
	SelectorKernelDS = 0x10
	SelectorUserDS   = 0x18 | 0x3
	SelectorUserCS   = 0x20 | 0x3
	SelectorTSS      = 0x28
)

const maxCPUs = 256

// tss is the 64-bit Task State Segment. Only rsp0 and the seven IST slots
// are meaningful here; this kernel uses the TSS purely to supply a known
// good stack on privilege-level-changing interrupts. The hardware layout
// packs 64-bit fields at 4-byte offsets, which Go's natural alignment
// would pad apart, so every 64-bit field is split into explicit lo/hi
// halves to keep the struct exactly 104 bytes with the CPU's offsets.
type tss struct {
	reserved0      uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	reserved1      [2]uint32
	ist            [14]uint32
	reserved2      [2]uint32
	reserved3      uint16
	iopbOffset     uint16
}

func (t *tss) setRSP0(v uint64) {
	t.rsp0Lo, t.rsp0Hi = uint32(v), uint32(v>>32)
}

func (t *tss) rsp0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

type segDescriptor struct {
	limitLow uint16
	baseLow  uint16
	baseMid  uint8
	access   uint8
	gran     uint8
	baseHigh uint8
}

type tssDescriptor struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	gran      uint8
	baseHigh  uint8
	baseUpper uint32
	reserved  uint32
}

type blob struct {
	entries [5]segDescriptor
	tssDesc tssDescriptor
}

var (
	lock sync.Spinlock

	blobs [maxCPUs]blob
	tsses [maxCPUs]tss

	loadFn = loadGDT
)

// loadGDT issues LGDT against the descriptor at gdtrAddr, then LTR with
// tssSelector. Implemented in gdt_amd64.s.
func loadGDT(gdtrAddr uintptr, tssSelector uint16)

func setCodeEntry(e *segDescriptor, dpl uint8) {
	*e = segDescriptor{
		access: 0x9A | (dpl&0x3)<<5, // present | executable | readable
		gran:   0x20,                // long mode (L=1)
	}
}

func setDataEntry(e *segDescriptor, dpl uint8) {
	*e = segDescriptor{
		access: 0x92 | (dpl&0x3)<<5, // present | writable
	}
}

func setTSSDescriptor(d *tssDescriptor, base uintptr, limit uint32) {
	*d = tssDescriptor{
		limitLow:  uint16(limit),
		baseLow:   uint16(base),
		baseMid:   uint8(base >> 16),
		access:    0x89, // present | type=0b1001 (64-bit TSS, available)
		gran:      uint8((limit >> 16) & 0x0F),
		baseHigh:  uint8(base >> 24),
		baseUpper: uint32(base >> 32),
	}
}

func clampCPUIndex(cpuIndex uint32) uint32 {
	if cpuIndex >= maxCPUs {
		return 0
	}
	return cpuIndex
}

// Init builds and loads the GDT/TSS pair for cpuIndex, a small unique
// 0-based per-CPU index (BSP is 0).
func Init(cpuIndex uint32) {
	cpuIndex = clampCPUIndex(cpuIndex)

	lock.Acquire()

	t := &tsses[cpuIndex]
	*t = tss{}
	t.iopbOffset = uint16(unsafe.Sizeof(tss{}))

	b := &blobs[cpuIndex]
	*b = blob{}
	setCodeEntry(&b.entries[1], 0) // kernel CS
	setDataEntry(&b.entries[2], 0) // kernel DS/SS
	setDataEntry(&b.entries[3], 3) // user DS/SS
	setCodeEntry(&b.entries[4], 3) // user CS
	setTSSDescriptor(&b.tssDesc, uintptr(unsafe.Pointer(t)), uint32(unsafe.Sizeof(tss{}))-1)

	lock.Release()

	gdtr := encodeGDTR(uintptr(unsafe.Pointer(&b.entries[0])), uint16(unsafe.Sizeof(blob{}))-1)
	loadFn(uintptr(unsafe.Pointer(&gdtr[0])), SelectorTSS)
}

// SetRSP0 updates cpuIndex's TSS.rsp0, the stack the CPU switches to on
// any interrupt that crosses a privilege level.
func SetRSP0(cpuIndex uint32, rsp0 uintptr) {
	cpuIndex = clampCPUIndex(cpuIndex)

	lock.Acquire()
	defer lock.Release()

	tsses[cpuIndex].setRSP0(uint64(rsp0))
}

// encodeGDTR packs the 10-byte GDTR blob LGDT expects.
func encodeGDTR(base uintptr, limit uint16) [10]byte {
	var b [10]byte
	b[0] = byte(limit)
	b[1] = byte(limit >> 8)
	for i := 0; i < 8; i++ {
		b[2+i] = byte(base >> (8 * uint(i)))
	}
	return b
}
