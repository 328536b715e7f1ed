package main

import (
	"redline/kernel/hal/bootinfo"
	"redline/kernel/kmain"
)

// These package-level vars stand in for the values the Limine entry
// trampoline (out of scope; not part of this module) writes before
// jumping here. Passing globals rather than literals keeps the Go
// compiler from inlining this call and optimizing Kmain out of the
// generated object file, the same trick the teacher's stub.go relies on.
var (
	hhdmOffset     uint64
	memmap         []bootinfo.MemoryMapEntry
	rsdpAddr       uint64
	framebuffer    *bootinfo.FramebufferInfo
	kernelPhysBase uint64
	kernelVirtBase uint64
	mpEntries      []bootinfo.MPInfo
	bspLAPICID     uint32
)

// main is the only Go symbol visible to the rt0 entry trampoline. It
// forwards to kernel/kmain.Kmain and is not expected to return; if it
// does, Kmain's own control flow treats that as a fatal condition before
// main ever gets a chance to.
func main() {
	kmain.Kmain(hhdmOffset, memmap, rsdpAddr, framebuffer, kernelPhysBase, kernelVirtBase, mpEntries, bspLAPICID)
}
