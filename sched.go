package detsim

import (
	"fmt"
	"runtime/debug"

	rb "github.com/glycerine/rbtree"
)

// The scheduler.
//
// Exactly one goroutine runs at a time: either the
// scheduler (the goroutine that called BlockOn) or the
// one task it is polling. Every task is a goroutine
// parked on its resume channel; polling hands it the
// baton and waits on yieldCh until the task hands it
// back by suspending, yielding, or finishing.
//
// Sweep cutoff: a sweep polls the tasks that were
// Runnable when the sweep started, once each, in
// ascending TaskID. Tasks that become Runnable during
// the sweep (spawned, woken by a peer, or yielding)
// wait for the next sweep. Sweeps repeat until none
// are Runnable; only then is the next event popped.

func newRunq() *rb.Tree {
	return rb.NewTree(func(a, b rb.Item) int {
		av := a.(*Task).id
		bv := b.(*Task).id
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
		return 0
	})
}

func (rt *Runtime) spawnTask(n *node, name string, fn TaskFunc) *Task {
	rt.nextTask++
	t := &Task{
		rt:     rt,
		id:     rt.nextTask,
		name:   name,
		fn:     fn,
		node:   n,
		gen:    n.gen,
		addr:   n.addr,
		resume: make(chan resumeMsg),
		exited: make(chan struct{}),
	}
	if t.name == "" {
		t.name = fmt.Sprintf("task%v", t.id)
	}
	rt.tasks[t.id] = t
	n.tasks[t.id] = t
	rt.record(EvSpawn, n, t.id, t.name)
	rt.logf("spawn task %v '%v' on %v", t.id, t.name, n.addr)
	rt.makeRunnable(t)
	return t
}

// cancelledHandle is what Spawn returns to a task that
// is already being torn down.
func (rt *Runtime) cancelledHandle(n *node, name string) *JoinHandle {
	rt.nextTask++
	t := &Task{
		rt:     rt,
		id:     rt.nextTask,
		name:   name,
		node:   n,
		gen:    n.gen,
		addr:   n.addr,
		state:  TaskCancelled,
		exited: make(chan struct{}),
	}
	close(t.exited)
	return &JoinHandle{task: t}
}

// makeRunnable puts t in the run queue, or, if its
// node is paused, parks it there until Resume.
func (rt *Runtime) makeRunnable(t *Task) {
	t.state = TaskRunnable
	if t.node.state == NodePaused {
		t.node.parked = append(t.node.parked, t)
		return
	}
	if !t.inRunq {
		rt.runq.Insert(t)
		t.inRunq = true
	}
}

func (rt *Runtime) removeFromRunq(t *Task) {
	if !t.inRunq {
		return
	}
	it, found := rt.runq.FindGE_isEqual(t)
	if found {
		rt.runq.DeleteWithIterator(it)
	}
	t.inRunq = false
}

// wake makes a Suspended task Runnable. Waking a task
// in any other state does nothing.
func (rt *Runtime) wake(t *Task) {
	if t.state != TaskSuspended {
		return
	}
	rt.makeRunnable(t)
}

// armWake arms a timer that wakes t. The timer is
// tagged with t's node generation.
func (rt *Runtime) armWake(t *Task, when VirtualTime) (h *TimerHandle, err error) {
	owner := Owner{Node: t.node.id, Gen: t.gen, Task: t.id}
	h, err = rt.timers.arm(when, owner, timerWake, func() {
		if t.timer == h {
			rt.wake(t)
		}
	})
	return
}

// poll runs t until it hands the baton back.
func (rt *Runtime) poll(t *Task) {
	rt.removeFromRunq(t)
	t.state = TaskRunning
	rt.current = t
	if !t.started {
		t.started = true
		go rt.runTask(t)
	} else {
		t.resume <- resumeRun
	}
	msg := <-rt.yieldCh
	rt.current = nil
	rt.polls++

	switch msg.kind {
	case yieldSuspended:
		vv("task %v suspended: %v", t.id, t.waiting)
	case yieldYielded:
	case yieldDone, yieldKilled:
		// bookkeeping was done by the task itself.
	}
}

func (rt *Runtime) runTask(t *Task) {
	normal := false
	defer func() {
		if normal {
			close(t.exited)
			rt.yieldCh <- yieldMsg{kind: yieldDone, task: t}
			return
		}
		r := recover()
		if t.killing {
			close(t.exited)
			if t.selfKill {
				rt.yieldCh <- yieldMsg{kind: yieldKilled, task: t}
			}
			return
		}
		if r == nil {
			r = fmt.Errorf("task called runtime.Goexit")
		}
		rt.failTask(t, r, string(debug.Stack()))
		close(t.exited)
		rt.yieldCh <- yieldMsg{kind: yieldDone, task: t}
	}()
	err := t.fn(t)
	rt.finishTask(t, TaskCompleted, err)
	normal = true
}

func (rt *Runtime) failTask(t *Task, r any, stack string) {
	t.failure = &TaskFailedError{
		Task:  t.id,
		Node:  t.addr,
		At:    rt.clock.Now(),
		Value: r,
		Stack: stack,
	}
	if !rt.cfg.Quiet {
		alwaysPrintf("detsim: %v", t.failure)
	}
	rt.finishTask(t, TaskCancelled, nil)
}

// finishTask records the outcome and wakes joiners.
func (rt *Runtime) finishTask(t *Task, st TaskState, err error) {
	t.state = st
	t.err = err
	t.doneAt = rt.clock.Now()
	delete(rt.tasks, t.id)
	delete(t.node.tasks, t.id)
	if t.timer != nil {
		rt.timers.Cancel(t.timer)
		t.timer = nil
	}
	switch {
	case t.failure != nil:
		rt.record(EvFail, t.node, t.id, fmt.Sprintf("%v", t.failure.Value))
	case st == TaskCancelled:
		rt.record(EvCancel, t.node, t.id, "")
	default:
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		rt.record(EvComplete, t.node, t.id, detail)
	}
	for _, j := range t.joiners {
		rt.wake(j)
	}
	t.joiners = nil
	if t == rt.main {
		rt.mainDone = true
	}
}

// killTask cancels v, and the child it is racing in
// a Timeout, immediately. A parked goroutine is
// unwound before killTask returns. When the running
// task is among those killed, only the bookkeeping is
// done and killTask reports self=true; the caller must
// then runtime.Goexit().
func (rt *Runtime) killTask(v *Task) (self bool) {
	if v.state.done() {
		return false
	}
	rt.logf("kill task %v '%v'", v.id, v.name)
	rt.removeFromRunq(v)
	n := v.node
	n.removeWaiter(v)
	if v.recvMsg != nil {
		// delivered but never consumed: put it back,
		// unless the whole node is going down.
		if n.state != NodeKilled {
			n.inbox = append([]*Message{v.recvMsg}, n.inbox...)
		}
		v.recvMsg = nil
	}
	rt.finishTask(v, TaskCancelled, nil)

	if c := v.racing; c != nil {
		v.racing = nil
		self = rt.killTask(c)
	}
	if v == rt.current {
		v.killing = true
		v.selfKill = true
		return true
	}
	if v.started {
		select {
		case <-v.exited:
		default:
			v.resume <- resumeKill
			<-v.exited
		}
	}
	return
}

// sweep polls a snapshot of the run queue.
func (rt *Runtime) sweep() {
	snap := make([]*Task, 0, rt.runq.Len())
	for it := rt.runq.Min(); it != rt.runq.Limit(); it = it.Next() {
		snap = append(snap, it.Item().(*Task))
	}
	for _, t := range snap {
		// killed or paused by an earlier task in this sweep.
		if t.state != TaskRunnable || !t.inRunq {
			continue
		}
		rt.poll(t)
		if rt.mainDone {
			return
		}
	}
}

// runLoop drives the simulation until the main task
// finishes, the run deadlocks, or a limit is hit.
func (rt *Runtime) runLoop() error {
	for {
		for rt.runq.Len() > 0 {
			rt.sweep()
			if rt.mainDone {
				return nil
			}
		}
		if rt.mainDone {
			return nil
		}
		next := rt.timers.Peek()
		if next == nil {
			return rt.deadlock()
		}
		if rt.cfg.TimeLimit > 0 && next.deadline > VirtualTime(rt.cfg.TimeLimit) {
			rt.record(EvLimit, nil, 0, "time")
			return fmt.Errorf("%w: next event at %v is past the limit %v", ErrTimeLimit, next.deadline, rt.cfg.TimeLimit)
		}
		if rt.cfg.MaxSteps > 0 && rt.steps >= rt.cfg.MaxSteps {
			rt.record(EvLimit, nil, 0, "steps")
			return fmt.Errorf("%w: %v steps taken", ErrTimeLimit, rt.steps)
		}
		h := rt.timers.Pop()
		rt.steps++
		rt.clock.advanceTo(h.deadline)
		rt.dispatch(h)
	}
}

// dispatch delivers one popped event.
func (rt *Runtime) dispatch(h *TimerHandle) {
	switch h.kind {
	case timerWake:
		n := rt.nodes[h.owner.Node]
		if n.gen != h.owner.Gen || n.state == NodeKilled {
			rt.record(EvStale, n, h.owner.Task, "timer")
			return
		}
		rt.record(EvTimer, n, h.owner.Task, "")
	case timerUser:
		rt.record(EvTimer, nil, 0, "user")
	}
	if h.action != nil {
		h.action()
	}
}

func (rt *Runtime) deadlock() error {
	e := &DeadlockError{At: rt.clock.Now()}
	for _, t := range rt.liveTasks() {
		desc := fmt.Sprintf("task %v '%v' on %v: %v", t.id, t.name, t.addr, t.state)
		if t.waiting != "" {
			desc += " (" + t.waiting + ")"
		}
		e.Suspended = append(e.Suspended, desc)
	}
	rt.record(EvDeadlock, nil, 0, fmt.Sprintf("%v", len(e.Suspended)))
	rt.logf("%v", e)
	return e
}
