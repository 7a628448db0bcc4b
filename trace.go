package detsim

import (
	"fmt"

	blakehash "github.com/glycerine/detsim/hash"
)

// EventKind classifies a trace event.
type EventKind int

const (
	EvSpawn       EventKind = 1
	EvComplete    EventKind = 2
	EvFail        EventKind = 3
	EvCancel      EventKind = 4
	EvTimer       EventKind = 5
	EvTimeout     EventKind = 6
	EvStale       EventKind = 7
	EvSend        EventKind = 8
	EvDrop        EventKind = 9
	EvDeliver     EventKind = 10
	EvRecv        EventKind = 11
	EvNodeCreate  EventKind = 12
	EvNodeKill    EventKind = 13
	EvNodeRestart EventKind = 14
	EvNodePause   EventKind = 15
	EvNodeResume  EventKind = 16
	EvFault       EventKind = 17
	EvLimit       EventKind = 18
	EvDeadlock    EventKind = 19
)

// TraceEvent is one (time, kind, participant) tuple.
type TraceEvent struct {
	At     VirtualTime
	Kind   EventKind
	Node   Addr
	Gen    uint64
	Task   TaskID
	Detail string
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%v %v %v/%v t%v %v", int64(e.At), e.Kind, e.Node, e.Gen, e.Task, e.Detail)
}

// Trace is the observable history of a run. Two runs
// with the same seed and code have equal Digests.
type Trace struct {
	keep   bool
	events []TraceEvent
	hasher *blakehash.Blake3
	count  int64
}

func newTrace(keep bool) *Trace {
	return &Trace{
		keep:   keep,
		hasher: blakehash.NewBlake3(),
	}
}

// Events returns a copy of the recorded events. It
// is empty when Config.Trace was false; the Digest is
// kept regardless.
func (tr *Trace) Events() []TraceEvent {
	return append([]TraceEvent(nil), tr.events...)
}

// Len counts every event, recorded or not.
func (tr *Trace) Len() int64 {
	return tr.count
}

// Digest is a blake3 hash of every event so far.
func (tr *Trace) Digest() string {
	return tr.hasher.SumString()
}

// Filter returns the recorded events of the given kinds.
func (tr *Trace) Filter(kinds ...EventKind) (r []TraceEvent) {
	for _, e := range tr.events {
		for _, k := range kinds {
			if e.Kind == k {
				r = append(r, e)
				break
			}
		}
	}
	return
}

func (tr *Trace) add(e TraceEvent) {
	tr.count++
	tr.hasher.Write([]byte(e.String() + "\n"))
	if tr.keep {
		tr.events = append(tr.events, e)
	}
}

func (rt *Runtime) record(kind EventKind, n *node, task TaskID, detail string) {
	e := TraceEvent{
		At:     rt.clock.Now(),
		Kind:   kind,
		Task:   task,
		Detail: detail,
	}
	if n != nil {
		e.Node = n.addr
		e.Gen = n.gen
	}
	rt.trace.add(e)
}
