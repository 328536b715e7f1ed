// Package kernel contains types and helpers shared across every kernel
// subsystem.
package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that are pointers to this structure. This requirement
// stems from the fact that the Go allocator is not available until the
// slab/stelloc heap is brought up, so errors.New cannot be used while
// bootstrapping palloc, vmm or vheap.
type Error struct {
	// Module is the subsystem that generated the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
