package sched

import (
	"testing"
	"unsafe"

	"redline/kernel/irq"
	"redline/kernel/sync"
)

// resetState clears every package-level scheduler variable to a known
// empty baseline, without going through Init (which would reach for the
// real vheap/timer/irq wiring this package depends on in production).
func resetState(t *testing.T) {
	t.Helper()
	for i := range inUse {
		inUse[i] = false
		tasks[i] = Task{}
	}
	currentIdx, rqHead, rqTail, sleepHead, idleIdx = noTask, noTask, noTask, noTask, noTask
	nextTID = 1
	timesliceTicks = 10
	tickLogDiv = 100
	tickCounter = 0
	started = false
	lock = sync.Spinlock{}

	origDisable, origEnable, origHalt, origPause := disableIRQFn, enableIRQFn, haltFn, pauseFn
	disableIRQFn, enableIRQFn, haltFn = func() {}, func() {}, func() {}
	t.Cleanup(func() {
		disableIRQFn, enableIRQFn, haltFn, pauseFn = origDisable, origEnable, origHalt, origPause
	})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUnused:   "unused",
		StateRunnable: "runnable",
		StateRunning:  "running",
		StateBlocked:  "blocked",
		StateZombie:   "zombie",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	resetState(t)

	for i := int32(0); i < 3; i++ {
		inUse[i] = true
		tasks[i] = Task{id: TaskID(i + 1), state: StateRunnable}
		enqueue(i)
	}

	for i := int32(0); i < 3; i++ {
		got := dequeue()
		if got != i {
			t.Fatalf("dequeue() = %d, want %d", got, i)
		}
	}
	if got := dequeue(); got != noTask {
		t.Fatalf("dequeue() on empty queue = %d, want noTask", got)
	}
}

func TestEnqueueSkipsNonRunnableTask(t *testing.T) {
	resetState(t)

	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateBlocked}
	enqueue(0)

	if rqHead != noTask {
		t.Fatalf("expected a blocked task not to be enqueued, rqHead = %d", rqHead)
	}
}

func TestSleepInsertOrdersByWakeTick(t *testing.T) {
	resetState(t)

	order := []struct {
		idx  int32
		tick uint64
	}{{0, 30}, {1, 10}, {2, 20}}

	for _, o := range order {
		inUse[o.idx] = true
		tasks[o.idx] = Task{id: TaskID(o.idx + 1), wakeTick: o.tick}
		sleepInsert(o.idx)
	}

	var got []uint64
	for idx := sleepHead; idx != noTask; idx = tasks[idx].next {
		got = append(got, tasks[idx].wakeTick)
	}
	want := []uint64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("sleep list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep list = %v, want %v", got, want)
		}
	}
}

func TestSleepRemove(t *testing.T) {
	resetState(t)

	inUse[0], inUse[1] = true, true
	tasks[0] = Task{id: 1, wakeTick: 10}
	tasks[1] = Task{id: 2, wakeTick: 20}
	sleepInsert(0)
	sleepInsert(1)

	if !sleepRemove(0) {
		t.Fatal("sleepRemove(0) = false, want true")
	}
	if sleepHead != 1 {
		t.Fatalf("sleepHead = %d, want 1", sleepHead)
	}
	if sleepRemove(0) {
		t.Fatal("sleepRemove of an already-removed index returned true")
	}
}

func TestCreateAllocatesSlotAndPrimesStack(t *testing.T) {
	resetState(t)

	buf := make([]byte, (minStackPages+guardPages+1)*pageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	origCommit := commitStackFn
	commitStackFn = func(uintptr) uintptr { return base }
	t.Cleanup(func() { commitStackFn = origCommit })

	id, err := Create("worker", func() {}, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	if !inUse[0] {
		t.Fatal("expected slot 0 to be marked in use")
	}

	task := &tasks[0]
	if task.name != "worker" {
		t.Errorf("name = %q, want worker", task.name)
	}
	if task.state != StateRunnable {
		t.Errorf("state = %v, want StateRunnable", task.state)
	}
	if task.stackSize != minStackPages*pageSize {
		t.Errorf("stackSize = %d, want %d", task.stackSize, minStackPages*pageSize)
	}
	if rqHead != 0 {
		t.Fatalf("expected the new task to be enqueued, rqHead = %d", rqHead)
	}

	canary := *(*uint64)(unsafe.Pointer(base))
	if canary != stackCanary {
		t.Errorf("canary = %#x, want %#x", canary, stackCanary)
	}

	top := (task.stackBase + task.stackSize) &^ 0xF
	sp := top - switchFrameWords*8 - 8
	if task.ctx.RSP != uint64(sp) {
		t.Errorf("ctx.RSP = %#x, want %#x", task.ctx.RSP, sp)
	}
	words := (*[8]uint64)(unsafe.Pointer(sp))
	if words[6] != 0x202 {
		t.Errorf("primed RFLAGS = %#x, want 0x202", words[6])
	}
	if words[7] != uint64(funcAddr(taskTrampoline)) {
		t.Errorf("primed return address = %#x, want taskTrampoline's", words[7])
	}

	// ctx.RIP/RFlags must also be primed directly, since a task picked by
	// the preemptive tick path before it has ever run is resumed through
	// loadTrapFrame, which reads these fields rather than the stack.
	if task.ctx.RIP != uint64(funcAddr(taskTrampoline)) {
		t.Errorf("ctx.RIP = %#x, want taskTrampoline's address", task.ctx.RIP)
	}
	if task.ctx.RFlags != 0x202 {
		t.Errorf("ctx.RFlags = %#x, want 0x202", task.ctx.RFlags)
	}
}

func TestCreateFailsWhenNoFreeSlots(t *testing.T) {
	resetState(t)
	for i := range inUse {
		inUse[i] = true
		tasks[i].state = StateRunning
	}

	if _, err := Create("x", func() {}, 0); err != errNoFreeSlot {
		t.Fatalf("Create on a full table = %v, want errNoFreeSlot", err)
	}
}

func TestCreateReclaimsZombieSlotWhenTableFull(t *testing.T) {
	resetState(t)

	buf := make([]byte, (minStackPages+guardPages+1)*pageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	origCommit := commitStackFn
	commitStackFn = func(uintptr) uintptr { return base }
	t.Cleanup(func() { commitStackFn = origCommit })

	for i := range inUse {
		inUse[i] = true
		tasks[i] = Task{id: TaskID(i + 1), state: StateRunning}
	}
	tasks[5].state = StateZombie
	nextTID = 100

	id, err := Create("recycled", func() {}, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != 100 {
		t.Fatalf("id = %d, want 100", id)
	}
	if !inUse[5] || tasks[5].name != "recycled" || tasks[5].state != StateRunnable {
		t.Fatalf("expected the zombie slot to be recycled; slot 5 = %+v inUse=%v", tasks[5], inUse[5])
	}
}

func TestCreateFailsOnStackAllocationFailure(t *testing.T) {
	resetState(t)
	origCommit := commitStackFn
	commitStackFn = func(uintptr) uintptr { return 0 }
	t.Cleanup(func() { commitStackFn = origCommit })

	if _, err := Create("x", func() {}, 0); err != errNoStack {
		t.Fatalf("Create with a failing allocator = %v, want errNoStack", err)
	}
	if inUse[0] {
		t.Fatal("expected the slot to remain free after an allocation failure")
	}
}

func TestWakeUnknownTaskReturnsError(t *testing.T) {
	resetState(t)
	if err := Wake(999); err != errUnknownTask {
		t.Fatalf("Wake(999) = %v, want errUnknownTask", err)
	}
}

func TestWakeMovesBlockedTaskToRunnable(t *testing.T) {
	resetState(t)
	inUse[0] = true
	tasks[0] = Task{id: 5, state: StateBlocked, wakeTick: 42}
	sleepInsert(0)

	if err := Wake(5); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	if tasks[0].state != StateRunnable {
		t.Errorf("state = %v, want StateRunnable", tasks[0].state)
	}
	if tasks[0].wakeTick != 0 {
		t.Errorf("wakeTick = %d, want reset to 0", tasks[0].wakeTick)
	}
	if rqHead != 0 {
		t.Fatalf("expected the woken task to be enqueued, rqHead = %d", rqHead)
	}
	if sleepHead != noTask {
		t.Fatalf("expected the woken task to leave the sleep list, sleepHead = %d", sleepHead)
	}
}

func TestYieldNoOpBeforeStart(t *testing.T) {
	resetState(t)
	// started stays false; Yield must return without touching any state.
	Yield()
	if rqHead != noTask || currentIdx != noTask {
		t.Fatal("Yield ran scheduling logic before Start")
	}
}

func TestYieldReturnsWithoutSwitchingWhenNothingElseIsRunnable(t *testing.T) {
	resetState(t)
	started = true
	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateRunning}
	currentIdx = 0

	// No other runnable task exists, so Yield must take its early-return
	// path and never reach contextSwitch.
	Yield()

	if currentIdx != 0 {
		t.Fatalf("currentIdx changed to %d with nothing else runnable", currentIdx)
	}
}

func TestTickHandlerNoOpBeforeStart(t *testing.T) {
	resetState(t)
	tickHandler(irq.LAPICTimerVector, 0, &irq.Frame{}, &irq.Regs{})
	if tickCounter != 0 {
		t.Fatalf("tickCounter = %d, want 0 before Start", tickCounter)
	}
}

func TestTickHandlerWakesDueSleepersWithoutRescheduling(t *testing.T) {
	resetState(t)
	started = true
	timesliceTicks = 1000 // keep the modulo check from ever firing this test

	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateRunning}
	currentIdx = 0

	inUse[1] = true
	tasks[1] = Task{id: 2, state: StateBlocked, wakeTick: 1}
	sleepInsert(1)

	tickHandler(irq.LAPICTimerVector, 0, &irq.Frame{}, &irq.Regs{})

	if tickCounter != 1 {
		t.Fatalf("tickCounter = %d, want 1", tickCounter)
	}
	if tasks[1].state != StateRunnable {
		t.Fatalf("sleeper state = %v, want StateRunnable", tasks[1].state)
	}
	if sleepHead != noTask {
		t.Fatalf("expected the sleep list to be drained, sleepHead = %d", sleepHead)
	}
}

func TestTickHandlerLeavesSleeperUntilDue(t *testing.T) {
	resetState(t)
	started = true
	timesliceTicks = 1000

	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateRunning}
	currentIdx = 0

	inUse[1] = true
	tasks[1] = Task{id: 2, state: StateBlocked, wakeTick: 3}
	sleepInsert(1)

	for tick := 1; tick <= 2; tick++ {
		tickHandler(irq.LAPICTimerVector, 0, &irq.Frame{}, &irq.Regs{})
		if tasks[1].state != StateBlocked {
			t.Fatalf("sleeper woke at tick %d, before its wake tick of 3", tick)
		}
	}

	tickHandler(irq.LAPICTimerVector, 0, &irq.Frame{}, &irq.Regs{})
	if tasks[1].state != StateRunnable {
		t.Fatalf("sleeper state = %v at its wake tick, want StateRunnable", tasks[1].state)
	}
}

func TestForceRescheduleHandlerNoOpBeforeStart(t *testing.T) {
	resetState(t)
	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateRunning}
	currentIdx = 0

	forceRescheduleHandler(irq.SchedIPIVector, 0, &irq.Frame{}, &irq.Regs{})

	if currentIdx != 0 {
		t.Fatalf("currentIdx changed to %d though the scheduler hadn't started", currentIdx)
	}
}

func TestRescheduleSavesAndLoadsTrapFrame(t *testing.T) {
	resetState(t)
	started = true
	timesliceTicks = 1

	inUse[0] = true
	tasks[0] = Task{id: 1, state: StateRunning}
	currentIdx = 0

	buf := make([]byte, (minStackPages+guardPages+1)*pageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	origCommit := commitStackFn
	commitStackFn = func(uintptr) uintptr { return base }
	t.Cleanup(func() { commitStackFn = origCommit })

	if _, err := Create("other", func() {}, 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	frame := &irq.Frame{RIP: 0x1000, RFlags: 0x202, RSP: 0x2000}
	regs := &irq.Regs{RAX: 0xAA}

	tickHandler(irq.LAPICTimerVector, 0, frame, regs)

	if currentIdx != 1 {
		t.Fatalf("currentIdx = %d, want 1 (switched to the new task)", currentIdx)
	}
	if tasks[0].ctx.RIP != 0x1000 || tasks[0].ctx.RFlags != 0x202 || tasks[0].ctx.RSP != 0x2000 {
		t.Fatalf("prev task's saved context = %+v, did not capture the trap frame", tasks[0].ctx)
	}
	if tasks[0].ctx.RAX != 0xAA {
		t.Fatalf("prev task's saved RAX = %#x, want 0xAA", tasks[0].ctx.RAX)
	}
	if tasks[0].state != StateRunnable {
		t.Fatalf("prev task state = %v, want StateRunnable", tasks[0].state)
	}
	// The trap frame now reflects the newly current task's primed context:
	// this is task 1's first ever run, so it must land in taskTrampoline
	// rather than IRETQ-ing to a zeroed RIP.
	if frame.RIP != uint64(funcAddr(taskTrampoline)) {
		t.Fatalf("frame.RIP = %#x, want taskTrampoline's address", frame.RIP)
	}
	if frame.RFlags != 0x202 {
		t.Fatalf("frame.RFlags = %#x, want 0x202", frame.RFlags)
	}
	if tasks[1].ctx.RIP != uint64(funcAddr(taskTrampoline)) {
		t.Fatalf("tasks[1].ctx.RIP = %#x, want taskTrampoline's address", tasks[1].ctx.RIP)
	}
}
