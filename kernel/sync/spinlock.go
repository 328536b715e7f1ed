// Package sync provides the synchronization primitives shared by every
// subsystem that runs before (and after) the scheduler exists: a simple
// test-and-set spinlock used by palloc, the slab cache, stelloc and the
// scheduler's own runqueue lock.
package sync

import (
	"sync/atomic"

	"redline/kernel/cpu"
)

// spinAttemptsBeforeYield bounds how many PAUSE-spin iterations Acquire
// performs before asking the scheduler for a yield, so a lock held by a
// task that has been preempted does not spin an entire timeslice away.
const spinAttemptsBeforeYield = 1024

// yieldFn is set by kernel/sched once the scheduler is initialized,
// wiring Acquire's contended path to a real yield instead of a pure
// busy-wait. Kept as a package-level function variable rather than a
// direct import of kernel/sched to avoid an import cycle (the scheduler
// itself guards its runqueue with a Spinlock).
var yieldFn func()

// SetYieldFn installs the function Acquire calls when a lock has been
// contended for more than spinAttemptsBeforeYield iterations. Passing nil
// restores pure busy-waiting.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var attempts uint32
	for !l.TryToAcquire() {
		cpu.Pause()
		attempts++
		if attempts >= spinAttemptsBeforeYield {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
