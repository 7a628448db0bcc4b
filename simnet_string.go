package detsim

import (
	"fmt"
	"strings"
)

func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "Runnable"
	case TaskRunning:
		return "Running"
	case TaskSuspended:
		return "Suspended"
	case TaskCompleted:
		return "Completed"
	case TaskCancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("unknown TaskState %v", int(s))
}

func (r suspendReason) String() string {
	switch r {
	case reasonNone:
		return "none"
	case reasonTimer:
		return "timer"
	case reasonRecv:
		return "recv"
	case reasonJoin:
		return "join"
	case reasonTimeout:
		return "timeout"
	case reasonYield:
		return "yield"
	}
	return fmt.Sprintf("unknown suspendReason %v", int(r))
}

func (s NodeState) String() string {
	switch s {
	case NodeRunning:
		return "Running"
	case NodePaused:
		return "Paused"
	case NodeKilled:
		return "Killed"
	}
	return fmt.Sprintf("unknown NodeState %v", int(s))
}

func (k EventKind) String() string {
	switch k {
	case EvSpawn:
		return "spawn"
	case EvComplete:
		return "complete"
	case EvFail:
		return "fail"
	case EvCancel:
		return "cancel"
	case EvTimer:
		return "timer"
	case EvTimeout:
		return "timeout"
	case EvStale:
		return "stale"
	case EvSend:
		return "send"
	case EvDrop:
		return "drop"
	case EvDeliver:
		return "deliver"
	case EvRecv:
		return "recv"
	case EvNodeCreate:
		return "node-create"
	case EvNodeKill:
		return "node-kill"
	case EvNodeRestart:
		return "node-restart"
	case EvNodePause:
		return "node-pause"
	case EvNodeResume:
		return "node-resume"
	case EvFault:
		return "fault"
	case EvLimit:
		return "limit"
	case EvDeadlock:
		return "deadlock"
	}
	return fmt.Sprintf("unknown EventKind %v", int(k))
}

func (h NodeHandle) String() string {
	return fmt.Sprintf("node(%v '%v' gen %v)", h.id, h.addr, h.gen)
}

func (t *Task) String() string {
	s := fmt.Sprintf("task %v '%v' on %v/%v: %v", t.id, t.name, t.addr, t.gen, t.state)
	if t.state == TaskSuspended {
		s += fmt.Sprintf(" [%v: %v]", t.reason, t.waiting)
	}
	return s
}

func (h *TimerHandle) String() string {
	status := "pending"
	switch {
	case h.fired:
		status = "fired"
	case h.cancelled:
		status = "cancelled"
	}
	return fmt.Sprintf("timer(sn %v at %v, owner node %v gen %v task %v, %v)",
		h.sn, h.deadline, h.owner.Node, h.owner.Gen, h.owner.Task, status)
}

func (q *TimerQueue) String() (r string) {
	r = fmt.Sprintf("TimerQueue(%v pending) = [\n", q.Len())
	i := 0
	q.each(func(h *TimerHandle) {
		r += fmt.Sprintf("   %02d: %v\n", i, h)
		i++
	})
	r += "]"
	return
}

func (p LinkPolicy) String() string {
	lat := "none"
	if p.Latency != nil {
		lat = p.Latency.String()
	}
	return fmt.Sprintf("LinkPolicy{Latency: %v, Loss: %v, Duplicate: %v, Partitioned: %v}",
		lat, p.Loss, p.Duplicate, p.Partitioned)
}

func (s *NetSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NetSnapshot at %v (%v steps, %v pending events)\n", s.At, s.Steps, s.Pending)
	fmt.Fprintf(&b, "  default: %v\n", s.Default)
	for _, l := range s.Links {
		fmt.Fprintf(&b, "  link %v->%v: %v\n", l.Src, l.Dst, l.Policy)
	}
	if len(s.Isolated) > 0 {
		fmt.Fprintf(&b, "  isolated: %v\n", s.Isolated)
	}
	for _, n := range s.Nodes {
		fmt.Fprintf(&b, "  node %v '%v' gen %v %v: tasks %v, inbox %v, waiters %v\n",
			n.ID, n.Addr, n.Gen, n.State, n.Tasks, n.Inbox, n.Waiters)
	}
	fmt.Fprintf(&b, "  sent %v, delivered %v, dropped %v; latency p50 %v p99 %v\n",
		s.Sent, s.Delivered, s.Dropped, s.P50, s.P99)
	return b.String()
}
