package detsim

import (
	"fmt"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Message is one datagram on the simulated network.
type Message struct {
	Src     Addr
	Dst     Addr
	Tag     string
	Payload any

	SentAt    VirtualTime
	ArrivesAt VirtualTime

	// generations of both ends at send time. A message
	// whose source or destination has since been
	// killed or restarted is dropped on arrival.
	SrcGen uint64
	DstGen uint64

	// Seq is the fabric's send sequence number.
	Seq uint64
	Dup bool

	srcID NodeID
	dstID NodeID
}

// Bytes returns the payload if it is a []byte.
func (m *Message) Bytes() []byte {
	by, _ := m.Payload.([]byte)
	return by
}

// Latency is how long the message spent in flight.
func (m *Message) Latency() time.Duration {
	return m.ArrivesAt.Sub(m.SentAt)
}

// LinkPolicy governs one directed link.
type LinkPolicy struct {
	// Latency is sampled once per message. nil means
	// zero latency.
	Latency LatencyDist

	// Loss is the probability a message is dropped.
	Loss float64

	// Duplicate is the probability a second copy,
	// with its own latency sample, is delivered too.
	Duplicate float64

	// Partitioned links drop everything.
	Partitioned bool
}

type link struct {
	src Addr
	dst Addr
}

func (k link) String() string {
	return fmt.Sprintf("%v->%v", k.src, k.dst)
}

type DropReason string

const (
	DropPartition DropReason = "partition"
	DropIsolated  DropReason = "isolated"
	DropLoss      DropReason = "loss"
	DropDstDown   DropReason = "dst-down"
	DropStaleDst  DropReason = "stale-dst"
	DropStaleSrc  DropReason = "stale-src"
)

// NetStats counts what the fabric did.
type NetStats struct {
	Sent       int64
	Delivered  int64
	Duplicated int64
	Dropped    map[DropReason]int64

	latency *tdigest.TDigest
}

func newNetStats() *NetStats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &NetStats{
		Dropped: make(map[DropReason]int64),
		latency: td,
	}
}

// LatencyQuantile estimates the q-th quantile of
// delivered message latency.
func (s *NetStats) LatencyQuantile(q float64) time.Duration {
	if s.Delivered == 0 {
		return 0
	}
	return time.Duration(s.latency.Quantile(q))
}

func (s *NetStats) TotalDropped() (tot int64) {
	for _, v := range s.Dropped {
		tot += v
	}
	return
}

// Fabric routes messages between node addresses.
// Policies are keyed by address, so they survive
// restarts.
type Fabric struct {
	rt       *Runtime
	def      LinkPolicy
	links    map[link]LinkPolicy
	isolated map[Addr]bool
	streams  map[link]*Stream

	// cutOnly marks links whose own policy exists only
	// because of a Partition; Heal hands them back to
	// the default.
	cutOnly map[link]bool

	seq   uint64
	stats *NetStats
}

func newFabric(rt *Runtime, def LinkPolicy) *Fabric {
	return &Fabric{
		rt:       rt,
		def:      def,
		links:    make(map[link]LinkPolicy),
		isolated: make(map[Addr]bool),
		streams:  make(map[link]*Stream),
		cutOnly:  make(map[link]bool),
		stats:    newNetStats(),
	}
}

func (f *Fabric) policy(src, dst Addr) LinkPolicy {
	if p, ok := f.links[link{src, dst}]; ok {
		return p
	}
	return f.def
}

// alter applies change to the directed link's policy,
// copying the default first if the link has none.
func (f *Fabric) alter(src, dst Addr, change func(p *LinkPolicy)) {
	k := link{src, dst}
	p, ok := f.links[k]
	if !ok {
		p = f.def
	}
	change(&p)
	f.links[k] = p
	delete(f.cutOnly, k)
}

func (f *Fabric) cut(src, dst Addr) {
	k := link{src, dst}
	p, ok := f.links[k]
	if !ok {
		p = f.def
		f.cutOnly[k] = true
	}
	p.Partitioned = true
	f.links[k] = p
}

func (f *Fabric) uncut(src, dst Addr) {
	k := link{src, dst}
	if f.cutOnly[k] {
		delete(f.links, k)
		delete(f.cutOnly, k)
		return
	}
	if p, ok := f.links[k]; ok {
		p.Partitioned = false
		f.links[k] = p
	}
}

// checkProb panics unless p is a probability.
func checkProb(what string, p float64) {
	if !(p >= 0 && p <= 1) {
		panic(fmt.Sprintf("detsim: %v probability %v is not in [0, 1]", what, p))
	}
}

// stream gives each directed link its own random
// sub-stream, so traffic on one link never shifts
// the samples of another.
func (f *Fabric) stream(src, dst Addr) *Stream {
	k := link{src, dst}
	r, ok := f.streams[k]
	if !ok {
		r = f.rt.root.Derive("net/" + k.String())
		f.streams[k] = r
	}
	return r
}

func copyPayload(payload any) any {
	if by, ok := payload.([]byte); ok {
		return append([]byte(nil), by...)
	}
	return payload
}

// send never reports loss or partition; only a
// destination that was never created is an error.
func (f *Fabric) send(t *Task, dst Addr, tag string, payload any) error {
	rt := f.rt
	src := t.node
	dstID, ok := rt.byAddr[dst]
	if !ok {
		return fmt.Errorf("%w: send to '%v'", ErrNodeNotFound, dst)
	}
	dn := rt.nodes[dstID]
	f.seq++
	m := &Message{
		Src:     src.addr,
		Dst:     dst,
		Tag:     tag,
		Payload: copyPayload(payload),
		SentAt:  rt.clock.Now(),
		SrcGen:  t.gen,
		DstGen:  dn.gen,
		Seq:     f.seq,
		srcID:   src.id,
		dstID:   dstID,
	}
	f.stats.Sent++
	rt.record(EvSend, src, t.id, m.brief())

	if dn.state == NodeKilled {
		f.drop(m, DropDstDown)
		return nil
	}
	if f.isolated[src.addr] || f.isolated[dst] {
		f.drop(m, DropIsolated)
		return nil
	}
	pol := f.policy(src.addr, dst)
	if pol.Partitioned {
		f.drop(m, DropPartition)
		return nil
	}
	r := f.stream(src.addr, dst)
	if r.Chance(pol.Loss) {
		f.drop(m, DropLoss)
		return nil
	}
	f.schedule(m, sampleLatency(pol.Latency, r))

	if r.Chance(pol.Duplicate) {
		f.seq++
		dup := *m
		dup.Seq = f.seq
		dup.Dup = true
		dup.Payload = copyPayload(m.Payload)
		f.stats.Duplicated++
		f.schedule(&dup, sampleLatency(pol.Latency, r))
	}
	return nil
}

func (f *Fabric) schedule(m *Message, lat time.Duration) {
	m.ArrivesAt = m.SentAt.Add(lat)
	owner := Owner{Node: m.dstID, Gen: m.DstGen}
	_, err := f.rt.timers.arm(m.ArrivesAt, owner, timerDeliver, func() {
		f.deliver(m)
	})
	panicOn(err)
}

func (f *Fabric) drop(m *Message, why DropReason) {
	f.stats.Dropped[why]++
	var n *node
	if int(m.dstID) < len(f.rt.nodes) {
		n = f.rt.nodes[m.dstID]
	}
	f.rt.record(EvDrop, n, 0, string(why)+" "+m.brief())
	f.rt.logf("drop (%v) %v", why, m.brief())
}

// deliver runs when the message's arrival event pops.
func (f *Fabric) deliver(m *Message) {
	rt := f.rt
	dn := rt.nodes[m.dstID]
	sn := rt.nodes[m.srcID]
	if dn.state == NodeKilled || dn.gen != m.DstGen {
		f.drop(m, DropStaleDst)
		return
	}
	if sn.state == NodeKilled || sn.gen != m.SrcGen {
		f.drop(m, DropStaleSrc)
		return
	}
	f.stats.Delivered++
	panicOn(f.stats.latency.Add(float64(m.Latency())))
	rt.record(EvDeliver, dn, 0, m.brief())

	for i, w := range dn.waiters {
		if w.matches(m) {
			dn.waiters = append(dn.waiters[:i], dn.waiters[i+1:]...)
			w.task.recvMsg = m
			rt.wake(w.task)
			return
		}
	}
	dn.inbox = append(dn.inbox, m)
}

func (m *Message) brief() string {
	tag := ""
	if m.Tag != "" {
		tag = " tag=" + m.Tag
	}
	dup := ""
	if m.Dup {
		dup = " dup"
	}
	return fmt.Sprintf("#%v %v/%v->%v/%v%v%v", m.Seq, m.Src, m.SrcGen, m.Dst, m.DstGen, tag, dup)
}
