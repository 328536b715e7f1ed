// Package sched implements the kernel's single-core, priority-free task
// scheduler: a fixed-capacity task table, a FIFO runqueue and a
// deadline-ordered sleep list, switched between cooperatively (Yield,
// Exit, Block, SleepTicks) via a hand-rolled assembly context switch, and
// preemptively via a handler chained onto the active timer source's IDT
// vector. Application processors never enter the scheduler at all: they
// idle in their own halt loop once brought up, so current is safely a
// single global rather than a per-CPU pointer.
package sched

import (
	"unsafe"

	"redline/kernel"
	"redline/kernel/cpu"
	"redline/kernel/irq"
	"redline/kernel/kfmt"
	"redline/kernel/mem/vheap"
	"redline/kernel/sync"
	"redline/kernel/time/timer"
)

// State is a task's place in its own lifecycle.
type State int

const (
	StateUnused State = iota
	StateRunnable
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	default:
		return "?"
	}
}

const (
	maxTasks      = 64
	minStackPages = 16
	guardPages    = 1
	pageSize      = 4096

	stackCanary uint64 = 0xCAFEBABEDEADBEEF

	// switchFrameWords is the number of saved-register slots contextSwitch
	// expects below a fresh task's return address: R15, R14, R13, R12, BX,
	// BP and RFLAGS, in that pop order.
	switchFrameWords = 7
)

// TaskID identifies a task across its lifetime. It is stable even after
// the task's slot is recycled; Wake and the other operations below treat
// a stale ID referring to a recycled or zombie slot as a no-op error.
type TaskID uint64

// Context holds a task's saved execution state. RSP must remain the first
// field: contextSwitch only ever dereferences offset 0. RIP and RFlags are
// set by primeContext for a fresh task and saved by the preemptive tick
// path, which has to reconstruct a trap frame rather than simply RET into
// the saved location.
type Context struct {
	RSP    uint64
	RIP    uint64
	RFlags uint64

	RBX, RBP           uint64
	R12, R13, R14, R15 uint64

	RAX, RCX, RDX, RSI, RDI uint64
	R8, R9, R10, R11        uint64
}

// Task is one schedulable unit of execution. The table below holds these
// by value in a fixed-size array; nothing in this package takes a task's
// address across a slot reuse.
type Task struct {
	id    TaskID
	name  string
	state State
	entry func()

	ctx Context

	stackBase       uintptr
	stackSize       uintptr
	stackHighwater  uintptr
	stackWarnBucket uint8

	wakeTick uint64

	next int32 // index into tasks, -1 terminates a chain
}

const noTask int32 = -1

var (
	lock sync.Spinlock

	tasks [maxTasks]Task
	inUse [maxTasks]bool

	currentIdx int32 = noTask
	rqHead     int32 = noTask
	rqTail     int32 = noTask
	sleepHead  int32 = noTask

	idleIdx int32 = noTask

	nextTID        TaskID = 1
	timesliceTicks uint32 = 10
	tickLogDiv     uint32 = 100
	tickCounter    uint64
	started        bool

	commitStackFn = vheap.Commit

	// Privileged instructions (CLI/STI/HLT) are swapped for no-ops in
	// tests, which run these paths as ordinary userspace Go code.
	disableIRQFn = cpu.DisableInterrupts
	enableIRQFn  = cpu.EnableInterrupts
	haltFn       = cpu.Halt
	pauseFn      = cpu.Pause
)

// contextSwitch is implemented in sched_amd64.s.
func contextSwitch(prev, next *Context)

// taskTrampoline is implemented in sched_amd64.s; every fresh task's stack
// is primed to RET into it.
func taskTrampoline()

// currentRSP is implemented in sched_amd64.s.
func currentRSP() uint64

var (
	errNoFreeSlot  = &kernel.Error{Module: "sched", Message: "no free task slot"}
	errNoStack     = &kernel.Error{Module: "sched", Message: "failed to allocate task stack"}
	errUnknownTask = &kernel.Error{Module: "sched", Message: "unknown or recycled task id"}
)

// Init resets the scheduler, adopts the calling context as the bootstrap
// task, creates the idle task, and wires itself into kernel/sync's
// contended-lock yield hook and the active timer source's IDT vector.
// hzHint is the tick frequency timer.Init selected, used to size the
// preemption timeslice exactly as the reference kernel does.
func Init(hzHint uint32) *kernel.Error {
	lock = sync.Spinlock{}
	for i := range inUse {
		inUse[i] = false
		tasks[i] = Task{}
	}
	rqHead, rqTail, sleepHead = noTask, noTask, noTask
	tickCounter = 0
	started = false
	nextTID = 1

	switch {
	case hzHint >= 1000:
		timesliceTicks = hzHint / 200 // ~5ms
		tickLogDiv = hzHint           // ~once a second
	case hzHint >= 100:
		timesliceTicks = hzHint / 100 // ~10ms
		tickLogDiv = hzHint
	default:
		timesliceTicks = 10
		tickLogDiv = 100
	}
	if timesliceTicks == 0 {
		timesliceTicks = 1
	}

	inUse[0] = true
	tasks[0] = Task{id: 0, name: "bootstrap", state: StateRunning, next: noTask}
	tasks[0].ctx.RSP = currentRSP()
	currentIdx = 0

	idx, err := createLocked("idle", idleEntry, 2)
	if err != nil {
		kfmt.Error("sched: failed to create idle task: %s", err.Message)
		return err
	}
	idleIdx = int32(idx)

	sync.SetYieldFn(Yield)
	irq.Register(timer.ActiveVector(), tickHandler)
	irq.Register(irq.SchedIPIVector, forceRescheduleHandler)

	return nil
}

func idleEntry() {
	for {
		haltFn()
	}
}

// Start flips the scheduler live and immediately yields into whatever is
// runnable, exactly as the reference kernel's scheduler_start does.
func Start() {
	started = true
	Yield()
}

// IsStarted reports whether Start has been called.
func IsStarted() bool {
	return started
}

// IdleTaskID returns the id of the task Init created to run whenever
// nothing else is runnable.
func IdleTaskID() TaskID {
	lock.Acquire()
	defer lock.Release()
	if idleIdx == noTask {
		return 0
	}
	return tasks[idleIdx].id
}

// Current returns the running task's id.
func Current() TaskID {
	lock.Acquire()
	defer lock.Release()
	if currentIdx == noTask {
		return 0
	}
	return tasks[currentIdx].id
}

// Create allocates a task slot, gives it its own guarded stack and entry
// trampoline, and enqueues it runnable. stackPages is rounded up to
// minStackPages if smaller.
func Create(name string, entry func(), stackPages int) (TaskID, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()
	return createLocked(name, entry, stackPages)
}

// createLocked is Create's body, split out so Init can build the idle
// task while already holding lock.
func createLocked(name string, entry func(), stackPages int) (TaskID, *kernel.Error) {
	slot := noTask
	for i := range inUse {
		if !inUse[i] {
			slot = int32(i)
			break
		}
	}
	if slot == noTask {
		// Zombie slots are kept around for id lookups until the table
		// fills up; reclaim one lazily rather than running a dedicated
		// reaper task. The dead task's stack stays committed (vheap never
		// releases pages) and a fresh one is allocated below.
		for i := range tasks {
			if inUse[i] && tasks[i].state == StateZombie {
				slot = int32(i)
				inUse[i] = false
				break
			}
		}
	}
	if slot == noTask {
		return 0, errNoFreeSlot
	}

	if stackPages < minStackPages {
		stackPages = minStackPages
	}
	totalBytes := uintptr(stackPages+guardPages) * pageSize
	base := commitStackFn(totalBytes)
	if base == 0 {
		return 0, errNoStack
	}
	*(*uint64)(unsafe.Pointer(base)) = stackCanary

	t := &tasks[slot]
	*t = Task{
		id:        nextTID,
		name:      name,
		state:     StateRunnable,
		entry:     entry,
		stackBase: base + guardPages*pageSize,
		stackSize: uintptr(stackPages) * pageSize,
		next:      noTask,
	}
	nextTID++
	inUse[slot] = true

	primeContext(t)
	enqueue(slot)

	return t.id, nil
}

// primeContext writes the initial switch frame onto t's own stack so the
// first contextSwitch into it lands in taskTrampoline, and also fills in
// ctx.RIP/RFlags directly so a task picked by the preemptive tick path
// before it has ever run (loadTrapFrame reads those fields, not the
// stack) resumes at the same place just as safely.
func primeContext(t *Task) {
	top := (t.stackBase + t.stackSize) &^ 0xF
	sp := top - switchFrameWords*8 - 8
	words := (*[switchFrameWords + 1]uint64)(unsafe.Pointer(sp))
	words[0] = 0             // R15
	words[1] = 0             // R14
	words[2] = 0             // R13
	words[3] = 0             // R12
	words[4] = 0             // RBX
	words[5] = 0             // RBP
	words[6] = 0x202         // RFLAGS, interrupts enabled
	words[7] = uint64(funcAddr(taskTrampoline))
	t.ctx.RSP = uint64(sp)
	t.ctx.RIP = uint64(funcAddr(taskTrampoline))
	t.ctx.RFlags = 0x202
}

// funcAddr extracts a bodiless Go function's code address, exactly as
// kernel/irq and kernel/smp do for their own assembly entry points.
func funcAddr(fn func()) uintptr {
	return *(*uintptr)(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}

// taskEntry is called from taskTrampoline once a fresh task's stack is
// live. It reads the now-current task's entry point out of the scheduler
// table (rather than taking it as an argument) so the hand-off from
// assembly needs no parameters at all.
func taskEntry() {
	lock.Acquire()
	idx := currentIdx
	lock.Release()

	t := &tasks[idx]
	if t.entry != nil {
		t.entry()
	}
	Exit()
}

func stackCanaryOK(t *Task) bool {
	if t.stackBase == 0 {
		return true
	}
	slot := (*uint64)(unsafe.Pointer(t.stackBase - pageSize))
	return *slot == stackCanary
}

func recordStackUsage(t *Task, rsp uintptr) {
	if t.stackBase == 0 {
		return
	}
	top := t.stackBase + t.stackSize
	if rsp > top || rsp < t.stackBase {
		return
	}
	used := top - rsp
	if used <= t.stackHighwater {
		return
	}
	t.stackHighwater = used
	pct := used * 100 / t.stackSize
	bucket := uint8(pct / 5)
	if pct >= 75 && bucket > t.stackWarnBucket {
		t.stackWarnBucket = bucket
		kfmt.Info("sched: task %s stack highwater %d/%d (%d%%)", t.name, used, t.stackSize, pct)
	}
}

func stackOverflow(t *Task) {
	name := "?"
	var id TaskID
	if t != nil {
		name = t.name
		id = t.id
	}
	kfmt.Error("sched: stack overflow detected in task %s (id=%d)", name, uint64(id))
	for {
		haltFn()
	}
}

func enqueue(idx int32) {
	t := &tasks[idx]
	if t.state != StateRunnable {
		return
	}
	if t.stackBase != 0 && !stackCanaryOK(t) {
		stackOverflow(t)
	}
	t.next = noTask
	if rqHead == noTask {
		rqHead, rqTail = idx, idx
		return
	}
	tasks[rqTail].next = idx
	rqTail = idx
}

func dequeue() int32 {
	idx := rqHead
	if idx == noTask {
		return noTask
	}
	rqHead = tasks[idx].next
	if rqHead == noTask {
		rqTail = noTask
	}
	tasks[idx].next = noTask
	return idx
}

func sleepInsert(idx int32) {
	t := &tasks[idx]
	t.next = noTask
	if sleepHead == noTask || t.wakeTick < tasks[sleepHead].wakeTick {
		t.next = sleepHead
		sleepHead = idx
		return
	}
	cur := sleepHead
	for tasks[cur].next != noTask && tasks[tasks[cur].next].wakeTick <= t.wakeTick {
		cur = tasks[cur].next
	}
	t.next = tasks[cur].next
	tasks[cur].next = idx
}

func sleepRemove(idx int32) bool {
	if sleepHead == noTask {
		return false
	}
	if sleepHead == idx {
		sleepHead = tasks[idx].next
		tasks[idx].next = noTask
		return true
	}
	cur := sleepHead
	for tasks[cur].next != noTask && tasks[cur].next != idx {
		cur = tasks[cur].next
	}
	if tasks[cur].next == idx {
		tasks[cur].next = tasks[idx].next
		tasks[idx].next = noTask
		return true
	}
	return false
}

// Yield gives up the remainder of the current task's timeslice to the
// next runnable task. A no-op before Start.
func Yield() {
	if !started {
		return
	}
	disableIRQFn()
	lock.Acquire()

	prevIdx := currentIdx
	prev := &tasks[prevIdx]
	recordStackUsage(prev, uintptr(currentRSP()))

	nextIdx := dequeue()
	if nextIdx == noTask {
		lock.Release()
		enableIRQFn()
		return
	}
	if prev.stackBase != 0 && !stackCanaryOK(prev) {
		stackOverflow(prev)
	}
	prev.state = StateRunnable
	enqueue(prevIdx)
	tasks[nextIdx].state = StateRunning
	currentIdx = nextIdx

	lock.Release()
	enableIRQFn()

	contextSwitch(&prev.ctx, &tasks[nextIdx].ctx)
}

// Exit retires the current task and switches away from it. It never
// returns.
func Exit() {
	disableIRQFn()
	lock.Acquire()

	prevIdx := currentIdx
	prev := &tasks[prevIdx]
	recordStackUsage(prev, uintptr(currentRSP()))
	if prev.stackBase != 0 && !stackCanaryOK(prev) {
		stackOverflow(prev)
	}
	// The slot stays in use so the id remains findable; Create reclaims
	// zombie slots lazily once the table has no unused ones left.
	prev.state = StateZombie

	nextIdx := dequeue()
	if nextIdx == noTask {
		lock.Release()
		kfmt.Error("sched: no runnable tasks, halting")
		for {
			haltFn()
		}
	}
	tasks[nextIdx].state = StateRunning
	currentIdx = nextIdx
	lock.Release()
	enableIRQFn()

	contextSwitch(&prev.ctx, &tasks[nextIdx].ctx)

	// Nothing ever switches back into a zombie's context.
	kfmt.Error("sched: a zombie task resumed execution")
	for {
		haltFn()
	}
}

// Block marks the current task blocked and switches away from it. The
// blocked task only runs again once another task or interrupt handler
// calls Wake with its id.
func Block() {
	if !started {
		return
	}
	disableIRQFn()
	lock.Acquire()

	prevIdx := currentIdx
	prev := &tasks[prevIdx]
	prev.state = StateBlocked

	nextIdx := dequeue()
	if nextIdx == noTask {
		lock.Release()
		kfmt.Error("sched: all tasks blocked, halting")
		for {
			haltFn()
		}
	}
	tasks[nextIdx].state = StateRunning
	currentIdx = nextIdx
	lock.Release()
	enableIRQFn()

	contextSwitch(&prev.ctx, &tasks[nextIdx].ctx)
}

// Wake makes a blocked task runnable again. Returns errUnknownTask if id
// does not name a currently blocked task.
func Wake(id TaskID) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	idx := findLocked(id)
	if idx == noTask || tasks[idx].state != StateBlocked {
		return errUnknownTask
	}
	sleepRemove(idx)
	tasks[idx].state = StateRunnable
	tasks[idx].wakeTick = 0
	enqueue(idx)
	return nil
}

func findLocked(id TaskID) int32 {
	for i := range inUse {
		if inUse[i] && tasks[i].id == id {
			return int32(i)
		}
	}
	return noTask
}

// SleepTicks blocks the current task until at least the given number of
// scheduler ticks have elapsed. Before Start, it busy-waits against the
// raw tick counter instead, since there is no other task to switch to.
func SleepTicks(ticks uint64) {
	if ticks == 0 {
		Yield()
		return
	}
	if !started {
		start := timer.Ticks()
		for timer.Ticks()-start < ticks {
			pauseFn()
		}
		return
	}

	disableIRQFn()
	lock.Acquire()

	prevIdx := currentIdx
	prev := &tasks[prevIdx]
	prev.state = StateBlocked
	prev.wakeTick = tickCounter + ticks
	sleepInsert(prevIdx)

	nextIdx := dequeue()
	if nextIdx == noTask {
		lock.Release()
		kfmt.Error("sched: all tasks sleeping, halting")
		for {
			haltFn()
		}
	}
	tasks[nextIdx].state = StateRunning
	currentIdx = nextIdx
	lock.Release()
	enableIRQFn()

	contextSwitch(&prev.ctx, &tasks[nextIdx].ctx)
}

// tickHandler runs on every interrupt of the active timer source. It
// wakes due sleepers, logs a periodic heartbeat, and when the current
// timeslice has expired, preempts the running task by rewriting the trap
// frame it was handed so the interrupt return resumes the next task
// instead.
func tickHandler(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	if !started {
		return
	}
	tickCounter++

	if sleepHead != noTask && tasks[sleepHead].wakeTick <= tickCounter {
		lock.Acquire()
		for sleepHead != noTask && tasks[sleepHead].wakeTick <= tickCounter {
			idx := sleepHead
			sleepHead = tasks[idx].next
			tasks[idx].next = noTask
			tasks[idx].state = StateRunnable
			tasks[idx].wakeTick = 0
			enqueue(idx)
		}
		lock.Release()
	}

	if tickLogDiv != 0 && tickCounter%uint64(tickLogDiv) == 0 {
		kfmt.Info("sched: tick=%d current=%s", tickCounter, tasks[currentIdx].name)
	}

	if timesliceTicks == 0 || tickCounter%uint64(timesliceTicks) != 0 {
		return
	}

	reschedule(frame, regs)
}

// forceRescheduleHandler backs the scheduler's software-interrupt vector:
// an immediate, unconditional switch to the next runnable task, bypassing
// the timeslice divisor. A task (or another handler) can trigger one by
// issuing a self-IPI on irq.SchedIPIVector.
func forceRescheduleHandler(vector irq.Vector, errCode uint64, frame *irq.Frame, regs *irq.Regs) {
	if !started {
		return
	}
	reschedule(frame, regs)
}

func reschedule(frame *irq.Frame, regs *irq.Regs) {
	lock.Acquire()

	prevIdx := currentIdx
	nextIdx := dequeue()
	if nextIdx == noTask || nextIdx == prevIdx {
		if nextIdx != noTask && nextIdx != prevIdx {
			enqueue(nextIdx)
		}
		lock.Release()
		return
	}

	prev := &tasks[prevIdx]
	next := &tasks[nextIdx]

	recordStackUsage(prev, uintptr(frame.RSP))
	if prev.stackBase != 0 && !stackCanaryOK(prev) {
		stackOverflow(prev)
	}
	if next.stackBase != 0 && !stackCanaryOK(next) {
		stackOverflow(next)
	}

	saveTrapFrame(prev, frame, regs)
	prev.state = StateRunnable
	enqueue(prevIdx)

	next.state = StateRunning
	currentIdx = nextIdx
	loadTrapFrame(next, frame, regs)

	lock.Release()
}

func saveTrapFrame(t *Task, frame *irq.Frame, regs *irq.Regs) {
	t.ctx.RIP, t.ctx.RFlags = frame.RIP, frame.RFlags
	t.ctx.RSP = frame.RSP
	t.ctx.RBX, t.ctx.RBP = regs.RBX, regs.RBP
	t.ctx.R12, t.ctx.R13, t.ctx.R14, t.ctx.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	t.ctx.RAX, t.ctx.RCX, t.ctx.RDX = regs.RAX, regs.RCX, regs.RDX
	t.ctx.RSI, t.ctx.RDI = regs.RSI, regs.RDI
	t.ctx.R8, t.ctx.R9, t.ctx.R10, t.ctx.R11 = regs.R8, regs.R9, regs.R10, regs.R11
}

func loadTrapFrame(t *Task, frame *irq.Frame, regs *irq.Regs) {
	frame.RIP, frame.RFlags = t.ctx.RIP, t.ctx.RFlags
	frame.RSP = t.ctx.RSP
	regs.RBX, regs.RBP = t.ctx.RBX, t.ctx.RBP
	regs.R12, regs.R13, regs.R14, regs.R15 = t.ctx.R12, t.ctx.R13, t.ctx.R14, t.ctx.R15
	regs.RAX, regs.RCX, regs.RDX = t.ctx.RAX, t.ctx.RCX, t.ctx.RDX
	regs.RSI, regs.RDI = t.ctx.RSI, t.ctx.RDI
	regs.R8, regs.R9, regs.R10, regs.R11 = t.ctx.R8, t.ctx.R9, t.ctx.R10, t.ctx.R11
}

// Ticks returns how many timer ticks the scheduler's preemption handler
// has counted since Start; ticks that arrive before Start are not counted.
func Ticks() uint64 {
	return tickCounter
}
