package detsim

import (
	"fmt"

	rb "github.com/glycerine/rbtree"
)

// Owner says whose wake-up a timer is. A zero Task
// means the timer belongs to the node (or, with a zero
// Node too, to the runtime itself), as network
// deliveries do.
type Owner struct {
	Node NodeID
	Gen  uint64
	Task TaskID
}

type timerKind int

const (
	timerWake    timerKind = 1 // sleep or timeout race
	timerDeliver timerKind = 2 // network message arrival
	timerUser    timerKind = 3 // armed directly on a TimerQueue
)

// TimerHandle identifies one scheduled wake-up.
// It is created by Arm and consumed when it fires or
// is cancelled. Cancelling after it fired is a no-op.
type TimerHandle struct {
	deadline VirtualTime
	sn       uint64
	owner    Owner
	kind     timerKind
	action   func()
	armedAt  VirtualTime

	cancelled bool
	fired     bool
}

func (h *TimerHandle) Deadline() VirtualTime { return h.deadline }
func (h *TimerHandle) Owner() Owner          { return h.owner }
func (h *TimerHandle) Cancelled() bool       { return h.cancelled }
func (h *TimerHandle) Fired() bool           { return h.fired }

// Pending is true until the timer fires or is cancelled.
func (h *TimerHandle) Pending() bool { return !h.cancelled && !h.fired }

// Seq is the insertion sequence number; it breaks
// ties between equal deadlines.
func (h *TimerHandle) Seq() uint64 { return h.sn }

// TimerQueue orders pending wake-ups by
// (deadline, insertion sequence). Network deliveries
// live here too, so one Pop yields the next event of
// any kind.
type TimerQueue struct {
	clock  *Clock
	tree   *rb.Tree
	nextSn uint64
}

// order by deadline, then sn.
//
// Note: must be deterministic! Don't use random tie
// breakers in here, and never compare pointers.
func timerCmp(a, b rb.Item) int {
	av := a.(*TimerHandle)
	bv := b.(*TimerHandle)
	if av == bv {
		return 0
	}
	if av.deadline < bv.deadline {
		return -1
	}
	if av.deadline > bv.deadline {
		return 1
	}
	if av.sn < bv.sn {
		return -1
	}
	if av.sn > bv.sn {
		return 1
	}
	// must be the same if same sn.
	return 0
}

func NewTimerQueue(clock *Clock) *TimerQueue {
	return &TimerQueue{
		clock: clock,
		tree:  rb.NewTree(timerCmp),
	}
}

func (q *TimerQueue) Len() int {
	return q.tree.Len()
}

// Arm schedules action to run at deadline. Deadlines
// equal to now are fine; earlier ones give
// ErrInvalidDeadline.
func (q *TimerQueue) Arm(deadline VirtualTime, owner Owner, action func()) (*TimerHandle, error) {
	return q.arm(deadline, owner, timerUser, action)
}

func (q *TimerQueue) arm(deadline VirtualTime, owner Owner, kind timerKind, action func()) (*TimerHandle, error) {
	now := q.clock.Now()
	if deadline < now {
		return nil, fmt.Errorf("%w: deadline %v < now %v", ErrInvalidDeadline, deadline, now)
	}
	q.nextSn++
	h := &TimerHandle{
		deadline: deadline,
		sn:       q.nextSn,
		owner:    owner,
		kind:     kind,
		action:   action,
		armedAt:  now,
	}
	added, _ := q.tree.InsertGetIt(h)
	if !added {
		panic(fmt.Sprintf("duplicate timer sn %v", h.sn))
	}
	return h, nil
}

// Cancel is idempotent. It reports whether the timer
// was still pending.
func (q *TimerQueue) Cancel(h *TimerHandle) (wasPending bool) {
	if h == nil || !h.Pending() {
		return false
	}
	h.cancelled = true
	it, found := q.tree.FindGE_isEqual(h)
	if found {
		q.tree.DeleteWithIterator(it)
	}
	return true
}

// Peek returns the earliest pending timer, or nil.
func (q *TimerQueue) Peek() *TimerHandle {
	if q.tree.Len() == 0 {
		return nil
	}
	it := q.tree.Min()
	if it == q.tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	return it.Item().(*TimerHandle)
}

// Pop removes and returns the earliest pending timer,
// marked fired. It does not touch the clock; moving
// time is the scheduler's job.
func (q *TimerQueue) Pop() *TimerHandle {
	if q.tree.Len() == 0 {
		return nil
	}
	it := q.tree.Min()
	if it == q.tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	top := it.Item().(*TimerHandle)
	q.tree.DeleteWithIterator(it)
	top.fired = true
	return top
}

// each visits pending timers in firing order.
func (q *TimerQueue) each(f func(h *TimerHandle)) {
	for it := q.tree.Min(); it != q.tree.Limit(); it = it.Next() {
		f(it.Item().(*TimerHandle))
	}
}
