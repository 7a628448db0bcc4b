package detsim

import (
	"fmt"
	"runtime"
	"time"
)

// TaskID is a task's stable identity. IDs are handed
// out in spawn order, starting at 1, and never reused
// within a Runtime. The scheduler polls in ascending
// TaskID order.
type TaskID uint64

// TaskFunc is the body of a task. Returning a non-nil
// error completes the task with that error; panicking
// fails it.
type TaskFunc func(t *Task) error

type TaskState int

const (
	TaskRunnable  TaskState = 1
	TaskRunning   TaskState = 2
	TaskSuspended TaskState = 3
	TaskCompleted TaskState = 4
	TaskCancelled TaskState = 5
)

func (s TaskState) done() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// suspendReason is what a Suspended task is waiting for.
type suspendReason int

const (
	reasonNone    suspendReason = 0
	reasonTimer   suspendReason = 1
	reasonRecv    suspendReason = 2
	reasonJoin    suspendReason = 3
	reasonTimeout suspendReason = 4 // join raced against a timer
	reasonYield   suspendReason = 5
)

type resumeMsg int

const (
	resumeRun  resumeMsg = 1
	resumeKill resumeMsg = 2
)

type yieldKind int

const (
	yieldSuspended yieldKind = 1
	yieldYielded   yieldKind = 2
	yieldDone      yieldKind = 3
	yieldKilled    yieldKind = 4 // the task killed itself
)

type yieldMsg struct {
	kind yieldKind
	task *Task
}

// Task is one cooperatively scheduled unit of
// application logic, owned by a node. Its methods
// are the simulated primitives (time, network,
// spawn) and may only be called from the task's own
// body while it is running.
type Task struct {
	rt   *Runtime
	id   TaskID
	name string
	fn   TaskFunc

	node *node
	gen  uint64
	addr Addr

	state   TaskState
	reason  suspendReason
	waiting string // human readable, for deadlock reports
	inRunq  bool

	started bool
	resume  chan resumeMsg
	exited  chan struct{}

	// killing is set while a killed task's goroutine
	// unwinds. API calls made from its deferred
	// functions return ErrTaskCancelled.
	killing  bool
	selfKill bool

	timer   *TimerHandle
	recvMsg *Message
	joiners []*Task
	racing  *Task // child of a pending Timeout

	err     error
	failure *TaskFailedError
	doneAt  VirtualTime
}

func (t *Task) ID() TaskID         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Addr() Addr         { return t.addr }
func (t *Task) State() TaskState   { return t.state }
func (t *Task) Runtime() *Runtime  { return t.rt }
func (t *Task) Node() NodeHandle   { return NodeHandle{id: t.node.id, gen: t.gen, addr: t.addr} }
func (t *Task) Now() VirtualTime   { return t.rt.clock.Now() }
func (t *Task) Rand() *Stream      { return t.node.rng }
func (t *Task) Cancelled() bool    { return t.killing }
func (t *Task) WallNow() time.Time { return t.Now().Wall(t.rt.cfg.Epoch) }

func (t *Task) Since(v VirtualTime) time.Duration {
	return t.Now().Sub(v)
}

// Logf writes to the runtime's event log when
// Config.Verbose is set, stamped with virtual time.
func (t *Task) Logf(format string, a ...interface{}) {
	t.rt.logf(format, a...)
}

// mustBeCurrent panics when a Task method is called
// from anything other than that task's own body.
func (t *Task) mustBeCurrent(op string) {
	if t.rt.current != t {
		panic(fmt.Sprintf("detsim: Task.%v called on task %v ('%v') which is not the running task; "+
			"simulated primitives may only be used from the task's own body", op, t.id, t.name))
	}
}

// result is what a joiner observes.
func (t *Task) result() error {
	switch t.state {
	case TaskCompleted:
		return t.err
	case TaskCancelled:
		if t.failure != nil {
			return t.failure
		}
		return ErrTaskCancelled
	}
	panic(fmt.Sprintf("result() on unfinished task %v", t.id))
}

// park suspends the running task until it is woken.
func (t *Task) park(reason suspendReason, waiting string) {
	t.state = TaskSuspended
	t.reason = reason
	t.waiting = waiting
	t.handoff(yieldSuspended)
}

// handoff gives the baton back to the scheduler and
// blocks until the scheduler polls us again, or
// kills us.
func (t *Task) handoff(kind yieldKind) {
	t.rt.yieldCh <- yieldMsg{kind: kind, task: t}
	select {
	case r := <-t.resume:
		if r == resumeKill {
			t.killing = true
			runtime.Goexit()
		}
	case <-t.rt.halt.ReqStop.Chan:
		t.killing = true
		runtime.Goexit()
	}
	t.reason = reasonNone
	t.waiting = ""
}

// Sleep suspends the task for d of virtual time.
// Sleep(0) still yields to every other task runnable
// at the current instant that armed an earlier timer.
func (t *Task) Sleep(d time.Duration) error {
	if d < 0 {
		panic(fmt.Sprintf("detsim: negative Sleep duration %v", d))
	}
	return t.SleepUntil(t.Now().Add(d))
}

// SleepUntil suspends the task until virtual time when.
// A when in the past returns ErrInvalidDeadline.
func (t *Task) SleepUntil(when VirtualTime) error {
	if t.killing {
		return ErrTaskCancelled
	}
	t.mustBeCurrent("SleepUntil")
	h, err := t.rt.armWake(t, when)
	if err != nil {
		return err
	}
	t.timer = h
	t.park(reasonTimer, fmt.Sprintf("sleep until %v", when))
	t.timer = nil
	return nil
}

// Yield lets every other runnable task go first. The
// caller is polled again in the next sweep, without
// virtual time moving.
func (t *Task) Yield() error {
	if t.killing {
		return ErrTaskCancelled
	}
	t.mustBeCurrent("Yield")
	t.reason = reasonYield
	t.rt.makeRunnable(t)
	t.handoff(yieldYielded)
	return nil
}

// Spawn starts fn as a new task on the caller's node.
func (t *Task) Spawn(fn TaskFunc) *JoinHandle {
	return t.SpawnNamed("", fn)
}

func (t *Task) SpawnNamed(name string, fn TaskFunc) *JoinHandle {
	if t.killing {
		return t.rt.cancelledHandle(t.node, name)
	}
	t.mustBeCurrent("Spawn")
	if name == "" {
		name = fmt.Sprintf("%v/child", t.name)
	}
	c := t.rt.spawnTask(t.node, name, fn)
	return &JoinHandle{task: c}
}

// Timeout runs fn in a child task on the same node
// and races it against a timer d from now. If fn
// finishes first its result is returned and the timer
// is cancelled. Otherwise the child is killed and
// Timeout returns ErrTimeout.
func (t *Task) Timeout(d time.Duration, fn TaskFunc) error {
	if t.killing {
		return ErrTaskCancelled
	}
	t.mustBeCurrent("Timeout")
	if d < 0 {
		panic(fmt.Sprintf("detsim: negative Timeout duration %v", d))
	}
	rt := t.rt
	child := rt.spawnTask(t.node, t.name+"/timeout", fn)
	h, err := rt.armWake(t, t.Now().Add(d))
	panicOn(err)
	t.timer = h
	t.racing = child
	child.joiners = append(child.joiners, t)
	t.park(reasonTimeout, fmt.Sprintf("timeout %v racing task %v", d, child.id))
	t.timer = nil
	t.racing = nil

	if child.state.done() {
		rt.timers.Cancel(h)
		return child.result()
	}
	child.removeJoiner(t)
	rt.logf("timeout after %v; killing task %v", d, child.id)
	rt.record(EvTimeout, t.node, t.id, fmt.Sprintf("child=%v", child.id))
	rt.killTask(child)
	return ErrTimeout
}

func (t *Task) removeJoiner(j *Task) {
	for i, w := range t.joiners {
		if w == j {
			t.joiners = append(t.joiners[:i], t.joiners[i+1:]...)
			return
		}
	}
}

// JoinHandle refers to a spawned task.
type JoinHandle struct {
	task *Task
}

func (h *JoinHandle) ID() TaskID       { return h.task.id }
func (h *JoinHandle) State() TaskState { return h.task.state }
func (h *JoinHandle) Finished() bool   { return h.task.state.done() }

// Err is the task's result once Finished; nil before.
func (h *JoinHandle) Err() error {
	if !h.task.state.done() {
		return nil
	}
	return h.task.result()
}

// Join suspends t until the task finishes, then
// returns its result: the error it returned, a
// *TaskFailedError if it panicked, or ErrTaskCancelled
// if it was killed.
func (h *JoinHandle) Join(t *Task) error {
	if t.killing {
		return ErrTaskCancelled
	}
	t.mustBeCurrent("Join")
	v := h.task
	if v == t {
		panic(fmt.Sprintf("detsim: task %v cannot join itself", t.id))
	}
	if !v.state.done() {
		v.joiners = append(v.joiners, t)
		t.park(reasonJoin, fmt.Sprintf("join task %v", v.id))
	}
	return v.result()
}

// Abort cancels the task. Aborting a finished task
// is a no-op. A task aborting itself does not return.
func (h *JoinHandle) Abort() {
	v := h.task
	if v.state.done() {
		return
	}
	if v.rt.killTask(v) {
		runtime.Goexit()
	}
}
