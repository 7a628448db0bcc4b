package detsim

import (
	"fmt"
	"slices"
	"time"

	"github.com/glycerine/idem"
	rb "github.com/glycerine/rbtree"
)

// Runtime owns all simulated state of one run: the
// clock, the timer queue, the random streams, the
// nodes and the network. Runtimes share nothing, so
// independent runs can go in parallel.
//
// Runtime methods are not goroutine safe. Call them
// before BlockOn, from inside a task, from an
// AfterFunc callback, or after BlockOn returns.
type Runtime struct {
	cfg  *Config
	seed Seed
	root *Stream

	clock  Clock
	timers *TimerQueue
	fab    *Fabric
	trace  *Trace
	halt   *idem.Halter

	nodes    []*node
	byAddr   map[Addr]NodeID
	mainNode NodeHandle

	tasks    map[TaskID]*Task
	nextTask TaskID
	runq     *rb.Tree
	yieldCh  chan yieldMsg
	current  *Task
	main     *Task
	mainDone bool

	steps   int64
	polls   int64
	running bool
	closed  bool
}

// NewRuntime builds a runtime from cfg, which is
// copied; nil means NewConfig(). The "main" node
// exists on return.
func NewRuntime(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg = cfg.Clone()
	if cfg.Epoch.IsZero() {
		cfg.Epoch = defaultEpoch
	}
	rt := &Runtime{
		cfg:     cfg,
		seed:    SeedFromUint64(cfg.Seed),
		byAddr:  make(map[Addr]NodeID),
		tasks:   make(map[TaskID]*Task),
		runq:    newRunq(),
		yieldCh: make(chan yieldMsg),
		halt:    idem.NewHalterNamed("detsim.Runtime"),
		trace:   newTrace(cfg.Trace),
	}
	rt.root = NewStream(rt.seed)
	rt.timers = NewTimerQueue(&rt.clock)
	checkProb("loss", cfg.DefaultLink.Loss)
	checkProb("duplicate", cfg.DefaultLink.Duplicate)
	rt.fab = newFabric(rt, cfg.DefaultLink)
	h, err := rt.CreateNode(MainAddr, nil)
	panicOn(err)
	rt.mainNode = h
	return rt
}

// BlockOn runs fn as a task on the main node and
// drives the simulation until fn returns. It returns
// fn's error; a *TaskFailedError if fn panicked; a
// *DeadlockError if every task is stuck with nothing
// left to happen; or ErrTimeLimit. The runtime is torn
// down when BlockOn returns: every remaining task is
// cancelled. A second BlockOn gives ErrRuntimeClosed.
func (rt *Runtime) BlockOn(fn TaskFunc) (err error) {
	if rt.closed {
		return ErrRuntimeClosed
	}
	if rt.running {
		panic("detsim: BlockOn called while the runtime is already running")
	}
	rt.running = true
	defer rt.teardown()

	rt.logf("BlockOn: seed %v (%v)", rt.cfg.Seed, rt.seed)
	rt.main = rt.spawnTask(rt.nodes[rt.mainNode.id], "main", fn)
	err = rt.runLoop()
	if err != nil {
		return err
	}
	return rt.main.result()
}

// BlockOnValue is BlockOn for a task that produces a value.
func BlockOnValue[T any](rt *Runtime, fn func(t *Task) (T, error)) (val T, err error) {
	err = rt.BlockOn(func(t *Task) (err error) {
		val, err = fn(t)
		return
	})
	return
}

// teardown unwinds the remaining tasks one at a time,
// in TaskID order, then closes the halter.
func (rt *Runtime) teardown() {
	rt.closed = true
	rt.current = nil
	for _, t := range rt.liveTasks() {
		rt.killTask(t)
	}
	rt.running = false
	rt.halt.ReqStop.Close()
	rt.halt.Done.Close()
	rt.logf("teardown after %v steps, %v polls", rt.steps, rt.polls)
}

func (rt *Runtime) liveTasks() (ts []*Task) {
	for _, t := range rt.tasks {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *Task) int {
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	return
}

// AfterFunc runs f on the scheduler at now+d. f may
// call Runtime methods (Partition, Kill, ...) but not
// Task methods. It is how a fault schedule is laid out
// ahead of a run.
func (rt *Runtime) AfterFunc(d time.Duration, f func()) (*TimerHandle, error) {
	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	if d < 0 {
		return nil, fmt.Errorf("%w: AfterFunc(%v)", ErrInvalidDeadline, d)
	}
	return rt.timers.Arm(rt.clock.Now().Add(d), Owner{}, f)
}

// CancelTimer cancels a timer from AfterFunc.
func (rt *Runtime) CancelTimer(h *TimerHandle) bool {
	return rt.timers.Cancel(h)
}

func (rt *Runtime) Now() VirtualTime { return rt.clock.Now() }
func (rt *Runtime) Seed() Seed       { return rt.seed }
func (rt *Runtime) Config() *Config  { return rt.cfg.Clone() }
func (rt *Runtime) Trace() *Trace    { return rt.trace }
func (rt *Runtime) Steps() int64     { return rt.steps }
func (rt *Runtime) Closed() bool     { return rt.closed }

// Done is closed once the runtime is torn down.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.halt.Done.Chan
}

// Rand is the stream derived for label from the run's
// root stream. Equal labels give equal streams.
func (rt *Runtime) Rand(label string) *Stream {
	return rt.root.Derive("user/" + label)
}
