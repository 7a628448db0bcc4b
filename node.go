package detsim

import (
	"fmt"
	"runtime"
	"slices"
)

// NodeID is a node's index in the Runtime's node
// arena. IDs are never reused, even when a killed
// node's address is taken by a new node.
type NodeID int

// Addr is a node's network address.
type Addr string

// MainAddr is the address of the node that BlockOn's
// task runs on. It exists from NewRuntime on and can
// not be killed, restarted or paused.
const MainAddr Addr = "main"

type NodeState int

const (
	NodeRunning NodeState = 1
	NodePaused  NodeState = 2
	NodeKilled  NodeState = 3
)

// NodeHandle names one generation of a node.
// A handle taken before a Restart is stale afterwards.
type NodeHandle struct {
	id   NodeID
	gen  uint64
	addr Addr
}

func (h NodeHandle) ID() NodeID   { return h.id }
func (h NodeHandle) Gen() uint64  { return h.gen }
func (h NodeHandle) Addr() Addr   { return h.addr }
func (h NodeHandle) IsZero() bool { return h.addr == "" }

// node is a simulated host.
type node struct {
	id    NodeID
	addr  Addr
	gen   uint64
	state NodeState
	entry TaskFunc
	rng   *Stream

	tasks map[TaskID]*Task

	// inbox holds arrived, unclaimed messages in
	// arrival order.
	inbox   []*Message
	waiters []*recvWaiter

	// parked holds tasks woken while the node was paused.
	parked []*Task

	restarts int
}

type recvWaiter struct {
	task   *Task
	tag    string
	anyTag bool
}

func (w *recvWaiter) matches(m *Message) bool {
	return w.anyTag || w.tag == m.Tag
}

func (n *node) handle() NodeHandle {
	return NodeHandle{id: n.id, gen: n.gen, addr: n.addr}
}

func (n *node) removeWaiter(t *Task) {
	n.waiters = slices.DeleteFunc(n.waiters, func(w *recvWaiter) bool {
		return w.task == t
	})
}

// sortedTasks lists the node's live tasks by TaskID.
func (n *node) sortedTasks() (ts []*Task) {
	for _, t := range n.tasks {
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

func (rt *Runtime) nodeStream(n *node) *Stream {
	return rt.root.Derive(fmt.Sprintf("node/%v/%v/gen/%v", n.id, n.addr, n.gen))
}

// CreateNode creates a node at generation 0 and, if
// entry is not nil, spawns entry on it. The entry runs
// again on every Restart. The address must not belong
// to a live node; a killed node's address is free.
func (rt *Runtime) CreateNode(addr Addr, entry TaskFunc) (NodeHandle, error) {
	if rt.closed {
		return NodeHandle{}, ErrRuntimeClosed
	}
	if addr == "" {
		return NodeHandle{}, fmt.Errorf("error: empty node address")
	}
	if id, ok := rt.byAddr[addr]; ok && rt.nodes[id].state != NodeKilled {
		return NodeHandle{}, fmt.Errorf("%w: '%v'", ErrAddrInUse, addr)
	}
	n := &node{
		id:    NodeID(len(rt.nodes)),
		addr:  addr,
		state: NodeRunning,
		entry: entry,
		tasks: make(map[TaskID]*Task),
	}
	n.rng = rt.nodeStream(n)
	rt.nodes = append(rt.nodes, n)
	rt.byAddr[addr] = n.id
	rt.record(EvNodeCreate, n, 0, "")
	rt.logf("create node %v '%v'", n.id, addr)
	if entry != nil {
		rt.spawnTask(n, fmt.Sprintf("%v/entry", addr), entry)
	}
	return n.handle(), nil
}

// lookup validates a handle against the arena.
func (rt *Runtime) lookup(h NodeHandle) (*node, error) {
	if h.id < 0 || int(h.id) >= len(rt.nodes) || rt.nodes[h.id].addr != h.addr {
		return nil, fmt.Errorf("%w: %v", ErrNodeNotFound, h)
	}
	n := rt.nodes[h.id]
	if h.gen != n.gen {
		return nil, fmt.Errorf("%w: handle gen %v, node '%v' is at gen %v", ErrStaleGeneration, h.gen, n.addr, n.gen)
	}
	return n, nil
}

func (rt *Runtime) lookupLive(h NodeHandle, op string) (*node, error) {
	n, err := rt.lookup(h)
	if err != nil {
		return nil, err
	}
	if n.id == rt.mainNode.id {
		return nil, fmt.Errorf("%w: cannot %v", ErrMainNode, op)
	}
	if n.state == NodeKilled {
		return nil, fmt.Errorf("%w: '%v'", ErrNodeKilled, n.addr)
	}
	return n, nil
}

// Node returns the current handle of the live node at addr.
func (rt *Runtime) Node(addr Addr) (NodeHandle, error) {
	id, ok := rt.byAddr[addr]
	if !ok || rt.nodes[id].state == NodeKilled {
		return NodeHandle{}, fmt.Errorf("%w: '%v'", ErrNodeNotFound, addr)
	}
	return rt.nodes[id].handle(), nil
}

// NodeState reports the state of the node h names.
func (rt *Runtime) NodeState(h NodeHandle) (NodeState, error) {
	n, err := rt.lookup(h)
	if err != nil {
		return 0, err
	}
	return n.state, nil
}

// MainNode is the handle of the node BlockOn runs on.
func (rt *Runtime) MainNode() NodeHandle {
	return rt.mainNode
}

// Kill crashes the node: its tasks are dropped at once
// in TaskID order, their timers cancelled, its inbox
// and pending receives discarded. Messages still in
// flight to or from it are dropped on arrival. A task
// killing its own node does not return.
func (rt *Runtime) Kill(h NodeHandle) error {
	n, err := rt.lookupLive(h, "kill")
	if err != nil {
		return err
	}
	self := rt.killNode(n)
	rt.record(EvNodeKill, n, 0, "")
	if self {
		runtime.Goexit()
	}
	return nil
}

// killNode reports whether the running task was
// among those dropped.
func (rt *Runtime) killNode(n *node) (self bool) {
	rt.logf("kill node %v '%v' gen %v", n.id, n.addr, n.gen)
	n.state = NodeKilled
	n.inbox = nil
	n.waiters = nil
	n.parked = nil
	for _, t := range n.sortedTasks() {
		if rt.killTask(t) {
			self = true
		}
	}
	n.inbox = nil
	return
}

// Restart reboots the node: kill it if it is alive,
// bump its generation, give it a fresh random stream,
// and spawn its entry again. The returned handle names
// the new generation. Restarting a killed node is
// allowed as long as its address was not taken.
// A task restarting its own node does not return.
func (rt *Runtime) Restart(h NodeHandle) (NodeHandle, error) {
	n, err := rt.lookup(h)
	if err != nil {
		return NodeHandle{}, err
	}
	if n.id == rt.mainNode.id {
		return NodeHandle{}, fmt.Errorf("%w: cannot restart", ErrMainNode)
	}
	if id := rt.byAddr[n.addr]; id != n.id {
		return NodeHandle{}, fmt.Errorf("%w: '%v' now belongs to node %v", ErrAddrInUse, n.addr, id)
	}
	self := false
	if n.state != NodeKilled {
		self = rt.killNode(n)
	}
	n.gen++
	n.restarts++
	n.state = NodeRunning
	n.rng = rt.nodeStream(n)
	rt.record(EvNodeRestart, n, 0, "")
	rt.logf("restart node %v '%v' now gen %v", n.id, n.addr, n.gen)
	if n.entry != nil {
		rt.spawnTask(n, fmt.Sprintf("%v/entry", n.addr), n.entry)
	}
	if self {
		runtime.Goexit()
	}
	return n.handle(), nil
}

// Pause stops polling the node's tasks. Timers still
// fire and messages still land in its inbox; the tasks
// they wake are held until Resume.
func (rt *Runtime) Pause(h NodeHandle) error {
	n, err := rt.lookupLive(h, "pause")
	if err != nil {
		return err
	}
	if n.state == NodePaused {
		return nil
	}
	n.state = NodePaused
	for _, t := range n.sortedTasks() {
		if t.inRunq {
			rt.removeFromRunq(t)
			n.parked = append(n.parked, t)
		}
	}
	rt.record(EvNodePause, n, 0, "")
	return nil
}

// Resume releases a paused node's held tasks, in
// TaskID order, into the next sweep.
func (rt *Runtime) Resume(h NodeHandle) error {
	n, err := rt.lookupLive(h, "resume")
	if err != nil {
		return err
	}
	if n.state != NodePaused {
		return nil
	}
	n.state = NodeRunning
	parked := n.parked
	n.parked = nil
	slices.SortFunc(parked, func(a, b *Task) int {
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	for _, t := range parked {
		if t.state == TaskRunnable {
			rt.makeRunnable(t)
		}
	}
	rt.record(EvNodeResume, n, 0, "")
	return nil
}

// SpawnOn starts fn on the node h names.
func (rt *Runtime) SpawnOn(h NodeHandle, name string, fn TaskFunc) (*JoinHandle, error) {
	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	n, err := rt.lookup(h)
	if err != nil {
		return nil, err
	}
	if n.state == NodeKilled {
		return nil, fmt.Errorf("%w: '%v'", ErrNodeKilled, n.addr)
	}
	return &JoinHandle{task: rt.spawnTask(n, name, fn)}, nil
}
