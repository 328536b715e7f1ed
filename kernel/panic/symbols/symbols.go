// Package symbols resolves a kernel virtual address to the nearest symbol
// at or below it, for the panic core's backtrace and disassembly output.
// The symbol table itself is not produced by this package: a real build
// links one in from the compiled binary (the out-of-scope "symbol
// resolution for backtraces" collaborator named in the core's spec); this
// package only owns the lookup and the KASLR slide, mirroring the
// nearest-below binary search the reference kernel's symbols.c runs over
// its own build-generated ksym_table.
package symbols

import "sync/atomic"

// Symbol names one address in the kernel image.
type Symbol struct {
	Addr uint64
	Name string
}

var (
	table []Symbol // sorted ascending by Addr

	slide uint64 // atomic
)

// SetTable installs the symbol table used by Lookup. entries must already
// be sorted ascending by Addr; a build step (not part of this package)
// is responsible for producing that order from the linked kernel image.
func SetTable(entries []Symbol) {
	table = entries
}

// SetSlide records the runtime KASLR slide applied to every address in
// the installed table. It is 0 when KASLR is disabled.
func SetSlide(s uint64) {
	atomic.StoreUint64(&slide, s)
}

// Slide returns the currently active KASLR slide.
func Slide() uint64 {
	return atomic.LoadUint64(&slide)
}

// Lookup returns the symbol with the greatest Addr not exceeding addr
// (after undoing the active slide), or false if the table is empty or
// every entry's address is greater than addr.
func Lookup(addr uint64) (Symbol, bool) {
	unslid := addr - Slide()

	if len(table) == 0 {
		return Symbol{}, false
	}

	lo, hi := 0, len(table)-1
	var best *Symbol
	for lo <= hi {
		mid := lo + (hi-lo)/2
		sym := &table[mid]
		if unslid < sym.Addr {
			if mid == 0 {
				break
			}
			hi = mid - 1
		} else {
			best = sym
			lo = mid + 1
		}
	}

	if best == nil {
		return Symbol{}, false
	}
	return *best, true
}

// Offset returns how far addr lies past sym's slid starting address.
func Offset(sym Symbol, addr uint64) uint64 {
	base := sym.Addr + Slide()
	if addr < base {
		return 0
	}
	return addr - base
}
