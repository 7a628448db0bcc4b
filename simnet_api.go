package detsim

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Send transmits payload from the task's node to dst.
// It never blocks and never reports loss or partition:
// like a real datagram, a nil error means only that
// the message was handed to the network. Sending to
// an address no node ever had is ErrNodeNotFound.
// A []byte payload is copied.
func (t *Task) Send(dst Addr, payload any) error {
	return t.SendTag(dst, "", payload)
}

// SendTag is Send with a tag that RecvTag can select on.
func (t *Task) SendTag(dst Addr, tag string, payload any) error {
	if t.killing {
		return ErrTaskCancelled
	}
	t.mustBeCurrent("Send")
	return t.rt.fab.send(t, dst, tag, payload)
}

// Recv returns the oldest message in the node's inbox,
// suspending until one arrives.
func (t *Task) Recv() (*Message, error) {
	return t.recv("", true)
}

// RecvTag is Recv restricted to messages with tag.
// Other messages stay in the inbox, in order.
func (t *Task) RecvTag(tag string) (*Message, error) {
	return t.recv(tag, false)
}

// RecvTimeout is Recv raced against a d timer.
// It returns ErrTimeout if nothing arrived in time.
func (t *Task) RecvTimeout(d time.Duration) (*Message, error) {
	return t.recvTimeout("", true, d)
}

func (t *Task) RecvTagTimeout(tag string, d time.Duration) (*Message, error) {
	return t.recvTimeout(tag, false, d)
}

func (t *Task) recvTimeout(tag string, anyTag bool, d time.Duration) (got *Message, err error) {
	err = t.Timeout(d, func(c *Task) (err error) {
		got, err = c.recv(tag, anyTag)
		return
	})
	if err != nil {
		return nil, err
	}
	return
}

func (t *Task) recv(tag string, anyTag bool) (*Message, error) {
	if t.killing {
		return nil, ErrTaskCancelled
	}
	t.mustBeCurrent("Recv")
	n := t.node
	w := &recvWaiter{task: t, tag: tag, anyTag: anyTag}
	for i, m := range n.inbox {
		if w.matches(m) {
			n.inbox = slices.Delete(n.inbox, i, i+1)
			t.rt.record(EvRecv, n, t.id, m.brief())
			return m, nil
		}
	}
	n.waiters = append(n.waiters, w)
	waiting := "recv"
	if !anyTag {
		waiting = fmt.Sprintf("recv tag '%v'", tag)
	}
	t.park(reasonRecv, waiting)
	m := t.recvMsg
	t.recvMsg = nil
	t.rt.record(EvRecv, n, t.id, m.brief())
	return m, nil
}

// InboxLen is the number of arrived, unclaimed
// messages on the task's node.
func (t *Task) InboxLen() int {
	return len(t.node.inbox)
}

// Fault injection. Every change applies to messages
// sent after the call; messages already in flight keep
// the fate they were given at send time.

// Partition cuts the link between a and b in both
// directions until Heal(a, b).
func (rt *Runtime) Partition(a, b Addr) {
	rt.fab.cut(a, b)
	rt.fab.cut(b, a)
	rt.record(EvFault, nil, 0, fmt.Sprintf("partition %v<->%v", a, b))
}

// Heal undoes Partition(a, b). A direction that had no
// policy of its own before the partition follows the
// default policy again, including later
// SetDefaultPolicy changes; one that did keeps it.
func (rt *Runtime) Heal(a, b Addr) {
	rt.fab.uncut(a, b)
	rt.fab.uncut(b, a)
	rt.record(EvFault, nil, 0, fmt.Sprintf("heal %v<->%v", a, b))
}

// SetLoss sets the drop probability of the directed
// link src->dst. p outside [0, 1] (or NaN) panics.
func (rt *Runtime) SetLoss(src, dst Addr, p float64) {
	checkProb("loss", p)
	rt.fab.alter(src, dst, func(lp *LinkPolicy) { lp.Loss = p })
	rt.record(EvFault, nil, 0, fmt.Sprintf("loss %v->%v %v", src, dst, p))
}

func (rt *Runtime) SetDuplicate(src, dst Addr, p float64) {
	checkProb("duplicate", p)
	rt.fab.alter(src, dst, func(lp *LinkPolicy) { lp.Duplicate = p })
	rt.record(EvFault, nil, 0, fmt.Sprintf("duplicate %v->%v %v", src, dst, p))
}

func (rt *Runtime) SetLatency(src, dst Addr, d LatencyDist) {
	rt.fab.alter(src, dst, func(lp *LinkPolicy) { lp.Latency = d })
	rt.record(EvFault, nil, 0, fmt.Sprintf("latency %v->%v %v", src, dst, d))
}

// SetLinkPolicy replaces the whole policy of src->dst.
func (rt *Runtime) SetLinkPolicy(src, dst Addr, p LinkPolicy) {
	checkProb("loss", p.Loss)
	checkProb("duplicate", p.Duplicate)
	rt.fab.links[link{src, dst}] = p
	delete(rt.fab.cutOnly, link{src, dst})
	rt.record(EvFault, nil, 0, fmt.Sprintf("policy %v->%v", src, dst))
}

// SetDefaultPolicy changes the policy of every link
// that was never given one of its own.
func (rt *Runtime) SetDefaultPolicy(p LinkPolicy) {
	checkProb("loss", p.Loss)
	checkProb("duplicate", p.Duplicate)
	rt.fab.def = p
	rt.record(EvFault, nil, 0, "default policy")
}

// LinkPolicyOf reports the policy src->dst is under.
func (rt *Runtime) LinkPolicyOf(src, dst Addr) LinkPolicy {
	return rt.fab.policy(src, dst)
}

// Isolate cuts every link into and out of a.
func (rt *Runtime) Isolate(a Addr) {
	rt.fab.isolated[a] = true
	rt.record(EvFault, nil, 0, fmt.Sprintf("isolate %v", a))
}

func (rt *Runtime) Unisolate(a Addr) {
	delete(rt.fab.isolated, a)
	rt.record(EvFault, nil, 0, fmt.Sprintf("unisolate %v", a))
}

// HealAll forgets every per-link policy and every
// isolation, leaving the default policy in force.
func (rt *Runtime) HealAll() {
	clear(rt.fab.links)
	clear(rt.fab.cutOnly)
	clear(rt.fab.isolated)
	rt.record(EvFault, nil, 0, "heal all")
}

// NetStats returns the fabric's counters. The returned
// value is live; read it between runs or from a task.
func (rt *Runtime) NetStats() *NetStats {
	return rt.fab.stats
}

// NodeSnapshot describes one node for NetSnapshot.
type NodeSnapshot struct {
	ID       NodeID
	Addr     Addr
	Gen      uint64
	State    NodeState
	Tasks    []TaskID
	Inbox    int
	Waiters  int
	Restarts int
}

// LinkSnapshot is one explicitly configured link.
type LinkSnapshot struct {
	Src    Addr
	Dst    Addr
	Policy LinkPolicy
}

// NetSnapshot is a point in time picture of the
// nodes and the network, for test assertions and
// for printing when a run goes wrong.
type NetSnapshot struct {
	At        VirtualTime
	Steps     int64
	Pending   int
	Default   LinkPolicy
	Links     []LinkSnapshot
	Isolated  []Addr
	Nodes     []NodeSnapshot
	Sent      int64
	Delivered int64
	Dropped   map[DropReason]int64
	P50       time.Duration
	P99       time.Duration
}

func (rt *Runtime) NetSnapshot() *NetSnapshot {
	f := rt.fab
	s := &NetSnapshot{
		At:        rt.clock.Now(),
		Steps:     rt.steps,
		Pending:   rt.timers.Len(),
		Default:   f.def,
		Sent:      f.stats.Sent,
		Delivered: f.stats.Delivered,
		Dropped:   make(map[DropReason]int64),
		P50:       f.stats.LatencyQuantile(0.5),
		P99:       f.stats.LatencyQuantile(0.99),
	}
	for k, v := range f.stats.Dropped {
		s.Dropped[k] = v
	}
	for k, p := range f.links {
		s.Links = append(s.Links, LinkSnapshot{Src: k.src, Dst: k.dst, Policy: p})
	}
	sort.Slice(s.Links, func(i, j int) bool {
		if s.Links[i].Src != s.Links[j].Src {
			return s.Links[i].Src < s.Links[j].Src
		}
		return s.Links[i].Dst < s.Links[j].Dst
	})
	for a := range f.isolated {
		s.Isolated = append(s.Isolated, a)
	}
	slices.Sort(s.Isolated)
	for _, n := range rt.nodes {
		ns := NodeSnapshot{
			ID:       n.id,
			Addr:     n.addr,
			Gen:      n.gen,
			State:    n.state,
			Inbox:    len(n.inbox),
			Waiters:  len(n.waiters),
			Restarts: n.restarts,
		}
		for _, t := range n.sortedTasks() {
			ns.Tasks = append(ns.Tasks, t.id)
		}
		s.Nodes = append(s.Nodes, ns)
	}
	return s
}
