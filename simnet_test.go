package detsim

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

type arrival struct {
	Payload string
	SrcGen  uint64
	At      VirtualTime
	Dup     bool
}

// recvForever is a node entry that records every message.
func recvForever(into *[]arrival) TaskFunc {
	return func(t *Task) error {
		for {
			m, err := t.Recv()
			if err != nil {
				return err
			}
			*into = append(*into, arrival{Payload: fmt.Sprintf("%v", payloadString(m)), SrcGen: m.SrcGen, At: t.Now(), Dup: m.Dup})
		}
	}
}

func payloadString(m *Message) string {
	if by := m.Bytes(); by != nil {
		return string(by)
	}
	return fmt.Sprintf("%v", m.Payload)
}

func scenarioA(seed uint64) (sentAt, gotAt VirtualTime, got string, rt *Runtime) {
	rt = NewRuntime(quietConfig(seed))
	rt.SetLatency("A", "B", FixedLatency(10*time.Millisecond))
	rt.SetLoss("A", "B", 0)
	_, err := rt.CreateNode("B", func(t *Task) error {
		m, err := t.Recv()
		if err != nil {
			return err
		}
		gotAt = t.Now()
		got = string(m.Bytes())
		return nil
	})
	panicOn(err)
	_, err = rt.CreateNode("A", func(t *Task) error {
		// a seed dependent send time.
		t.Sleep(time.Duration(t.Rand().Int63n(1000)) * time.Microsecond)
		sentAt = t.Now()
		return t.Send("B", []byte("ping"))
	})
	panicOn(err)
	panicOn(rt.BlockOn(func(t *Task) error {
		return t.Sleep(time.Second)
	}))
	return
}

func Test040_scenario_A_fixed_latency_ping(t *testing.T) {

	cv.Convey("seed 42: B gets A's ping exactly 10ms after it was sent, and a second run agrees to the nanosecond", t, func() {
		sent1, got1, payload, rt1 := scenarioA(42)
		cv.So(payload, cv.ShouldEqual, "ping")
		cv.So(got1, cv.ShouldEqual, sent1.Add(10*time.Millisecond))

		sent2, got2, _, rt2 := scenarioA(42)
		cv.So(sent2, cv.ShouldEqual, sent1)
		cv.So(got2, cv.ShouldEqual, got1)
		cv.So(rt2.Trace().Digest(), cv.ShouldEqual, rt1.Trace().Digest())
		cv.So(rt2.Trace().Events(), cv.ShouldResemble, rt1.Trace().Events())

		st := rt1.NetStats()
		cv.So(st.Sent, cv.ShouldEqual, 1)
		cv.So(st.Delivered, cv.ShouldEqual, 1)
		q := st.LatencyQuantile(0.5)
		cv.So(q >= 9*time.Millisecond && q <= 11*time.Millisecond, cv.ShouldBeTrue)
	})
}

func Test041_scenario_B_partition_then_timeout(t *testing.T) {

	cv.Convey("a message sent across a partition is gone for good: B's receive times out, even after heal", t, func() {
		rt := NewRuntime(quietConfig(42))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(10 * time.Millisecond)})
		rt.Partition("A", "B")

		var err1, err2, sendErr error
		var at1, at2 VirtualTime
		_, err := rt.CreateNode("B", func(t *Task) error {
			_, err1 = t.RecvTimeout(1000 * time.Millisecond)
			at1 = t.Now()
			_, err2 = t.RecvTimeout(1000 * time.Millisecond)
			at2 = t.Now()
			return nil
		})
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			sendErr = t.Send("B", []byte("hello"))
			t.Runtime().Heal("A", "B")
			return nil
		})
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(5 * time.Second)
		}))

		cv.So(sendErr, cv.ShouldBeNil)
		cv.So(errors.Is(err1, ErrTimeout), cv.ShouldBeTrue)
		cv.So(at1, cv.ShouldEqual, VirtualTime(time.Second))
		cv.So(errors.Is(err2, ErrTimeout), cv.ShouldBeTrue)
		cv.So(at2, cv.ShouldEqual, VirtualTime(2*time.Second))
		cv.So(rt.NetStats().Dropped[DropPartition], cv.ShouldEqual, 1)
		cv.So(rt.NetStats().Delivered, cv.ShouldEqual, 0)
		cv.So(rt.LinkPolicyOf("A", "B").Partitioned, cv.ShouldBeFalse)
	})
}

func Test042_scenario_C_stale_message_from_killed_sender(t *testing.T) {

	cv.Convey("a message in flight when its sender is killed is dropped; the restarted sender's message arrives, tagged gen 1", t, func() {
		rt := NewRuntime(quietConfig(42))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(100 * time.Millisecond)})

		var got []arrival
		_, err := rt.CreateNode("B", recvForever(&got))
		panicOn(err)
		ha, err := rt.CreateNode("A", func(t *Task) error {
			return t.Send("B", []byte(fmt.Sprintf("hello from gen %v", t.Node().Gen())))
		})
		panicOn(err)

		var killErr, restartErr error
		var ha2 NodeHandle
		panicOn(rt.BlockOn(func(t *Task) error {
			t.Sleep(50 * time.Millisecond)
			killErr = rt.Kill(ha)
			ha2, restartErr = rt.Restart(ha)
			return t.Sleep(time.Second)
		}))

		cv.So(killErr, cv.ShouldBeNil)
		cv.So(restartErr, cv.ShouldBeNil)
		cv.So(ha2.Gen(), cv.ShouldEqual, 1)
		cv.So(got, cv.ShouldResemble, []arrival{
			{Payload: "hello from gen 1", SrcGen: 1, At: VirtualTime(150 * time.Millisecond)},
		})
		cv.So(rt.NetStats().Dropped[DropStaleSrc], cv.ShouldEqual, 1)

		snap := rt.NetSnapshot()
		cv.So(snap.Nodes[2].Addr, cv.ShouldEqual, Addr("A"))
		cv.So(snap.Nodes[2].Gen, cv.ShouldEqual, 1)
		cv.So(snap.Nodes[2].Restarts, cv.ShouldEqual, 1)
	})
}

func Test043_crash_isolation_on_the_receiving_side(t *testing.T) {

	cv.Convey("messages in flight to a node when it is killed are never seen by its next generation", t, func() {
		rt := NewRuntime(quietConfig(3))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(100 * time.Millisecond)})

		var gen1Err error
		var gen1Done bool
		hb, err := rt.CreateNode("B", func(t *Task) error {
			_, err := t.RecvTimeout(time.Second)
			if t.Node().Gen() == 1 {
				gen1Err = err
				gen1Done = true
			}
			return err
		})
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			return t.Send("B", []byte("to gen 0"))
		})
		panicOn(err)

		panicOn(rt.BlockOn(func(t *Task) error {
			t.Sleep(50 * time.Millisecond)
			if _, err := rt.Restart(hb); err != nil {
				return err
			}
			return t.Sleep(2 * time.Second)
		}))
		cv.So(gen1Done, cv.ShouldBeTrue)
		cv.So(errors.Is(gen1Err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(rt.NetStats().Dropped[DropStaleDst], cv.ShouldEqual, 1)
		cv.So(rt.NetStats().Delivered, cv.ShouldEqual, 0)
	})
}

// pinger sends 0..n-1 to peer every 10ms while a
// second task records what arrives.
func pinger(peer Addr, n int, into *[]arrival) TaskFunc {
	return func(t *Task) error {
		t.Spawn(recvForever(into))
		for i := 0; i < n; i++ {
			if err := t.Send(peer, i); err != nil {
				return err
			}
			t.Sleep(10 * time.Millisecond)
		}
		return nil
	}
}

func payloads(as []arrival) (r []string) {
	for _, a := range as {
		r = append(r, a.Payload)
	}
	return
}

func Test044_partition_blocks_both_directions_until_heal(t *testing.T) {

	cv.Convey("while A and B are partitioned nothing sent either way is delivered; after heal traffic flows again", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(time.Millisecond)})
		var atA, atB []arrival
		_, err := rt.CreateNode("A", pinger("B", 10, &atB))
		panicOn(err)
		_, err = rt.CreateNode("B", pinger("A", 10, &atA))
		panicOn(err)
		_, err = rt.AfterFunc(25*time.Millisecond, func() { rt.Partition("A", "B") })
		panicOn(err)
		_, err = rt.AfterFunc(65*time.Millisecond, func() { rt.Heal("A", "B") })
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(time.Second)
		}))

		want := []string{"0", "1", "2", "7", "8", "9"}
		cv.So(payloads(atB), cv.ShouldResemble, want)
		cv.So(payloads(atA), cv.ShouldResemble, want)
		cv.So(rt.NetStats().Dropped[DropPartition], cv.ShouldEqual, 8)
	})
}

func Test045_policy_changes_do_not_touch_messages_in_flight(t *testing.T) {

	cv.Convey("a partition or total loss set after a send does not stop that message", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(10 * time.Millisecond)})
		var got []arrival
		_, err := rt.CreateNode("B", recvForever(&got))
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			return t.Send("B", []byte("early"))
		})
		panicOn(err)
		rt.AfterFunc(5*time.Millisecond, func() {
			rt.Partition("A", "B")
			rt.SetLoss("A", "B", 1)
		})
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(time.Second)
		}))
		cv.So(got, cv.ShouldResemble, []arrival{{Payload: "early", At: VirtualTime(10 * time.Millisecond)}})
	})
}

func lossyRun(seed uint64, loss float64) (got []arrival, rt *Runtime) {
	rt = NewRuntime(quietConfig(seed))
	rt.SetDefaultPolicy(LinkPolicy{Latency: UniformLatency{Min: time.Millisecond, Max: 5 * time.Millisecond}})
	rt.SetLoss("A", "B", loss)
	_, err := rt.CreateNode("B", recvForever(&got))
	panicOn(err)
	_, err = rt.CreateNode("A", func(t *Task) error {
		for i := 0; i < 100; i++ {
			t.Send("B", i)
		}
		return nil
	})
	panicOn(err)
	panicOn(rt.BlockOn(func(t *Task) error {
		return t.Sleep(time.Second)
	}))
	return
}

func Test046_loss_is_silent_and_reproducible(t *testing.T) {

	cv.Convey("loss 1 drops everything without an error; loss 0.5 drops some, the same ones every run", t, func() {
		got, rt := lossyRun(9, 1)
		cv.So(len(got), cv.ShouldEqual, 0)
		cv.So(rt.NetStats().Dropped[DropLoss], cv.ShouldEqual, 100)
		cv.So(rt.NetStats().TotalDropped(), cv.ShouldEqual, 100)

		got1, _ := lossyRun(9, 0.5)
		got2, _ := lossyRun(9, 0.5)
		cv.So(len(got1), cv.ShouldBeGreaterThan, 0)
		cv.So(len(got1), cv.ShouldBeLessThan, 100)
		cv.So(got1, cv.ShouldResemble, got2)
	})
}

func Test047_duplicate_delivers_two_copies(t *testing.T) {

	cv.Convey("with duplicate probability 1 every message arrives twice, the copy marked Dup", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(time.Millisecond)})
		rt.SetDuplicate("A", "B", 1)
		var got []arrival
		_, err := rt.CreateNode("B", recvForever(&got))
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			t.Send("B", "x")
			return t.Send("B", "y")
		})
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(time.Second)
		}))
		ms := VirtualTime(time.Millisecond)
		cv.So(got, cv.ShouldResemble, []arrival{
			{Payload: "x", At: ms},
			{Payload: "x", At: ms, Dup: true},
			{Payload: "y", At: ms},
			{Payload: "y", At: ms, Dup: true},
		})
		cv.So(rt.NetStats().Duplicated, cv.ShouldEqual, 2)
	})
}

func Test048_inbox_is_fifo_by_arrival(t *testing.T) {

	cv.Convey("messages are received in arrival order: a faster link overtakes a slower one; same instant keeps send order", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetLatency("C", "B", FixedLatency(30*time.Millisecond))
		rt.SetLatency("A", "B", FixedLatency(10*time.Millisecond))
		var got []arrival
		_, err := rt.CreateNode("B", func(t *Task) error {
			// let everything land before reading.
			t.Sleep(100 * time.Millisecond)
			return recvForever(&got)(t)
		})
		panicOn(err)
		_, err = rt.CreateNode("C", func(t *Task) error {
			return t.Send("B", "c")
		})
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			t.Send("B", "a1")
			t.Send("B", "a2")
			return t.Send("B", "a3")
		})
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(time.Second)
		}))
		cv.So(payloads(got), cv.ShouldResemble, []string{"a1", "a2", "a3", "c"})
	})
}

func Test049_send_to_unknown_or_dead_address(t *testing.T) {

	cv.Convey("sending to an address no node ever had is ErrNodeNotFound; to a killed node it is a silent drop", t, func() {
		rt := NewRuntime(quietConfig(5))
		hd, err := rt.CreateNode("dead", nil)
		panicOn(err)
		panicOn(rt.Kill(hd))

		var errUnknown, errDead error
		panicOn(rt.BlockOn(func(t *Task) error {
			errUnknown = t.Send("nobody", "x")
			errDead = t.Send("dead", "x")
			return nil
		}))
		cv.So(errors.Is(errUnknown, ErrNodeNotFound), cv.ShouldBeTrue)
		cv.So(errDead, cv.ShouldBeNil)
		cv.So(rt.NetStats().Dropped[DropDstDown], cv.ShouldEqual, 1)
	})
}

func Test050_recv_tag_selects_and_leaves_the_rest(t *testing.T) {

	cv.Convey("RecvTag takes the oldest message with that tag; the others stay queued in order", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(time.Millisecond)})
		var order []string
		var inbox int
		_, err := rt.CreateNode("B", func(t *Task) error {
			t.Sleep(10 * time.Millisecond)
			inbox = t.InboxLen()
			m, err := t.RecvTag("y")
			if err != nil {
				return err
			}
			order = append(order, payloadString(m))
			for i := 0; i < 2; i++ {
				m, err = t.Recv()
				if err != nil {
					return err
				}
				order = append(order, payloadString(m))
			}
			return nil
		})
		panicOn(err)
		_, err = rt.CreateNode("A", func(t *Task) error {
			t.SendTag("B", "x", "x1")
			t.SendTag("B", "y", "y1")
			return t.SendTag("B", "x", "x2")
		})
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			return t.Sleep(time.Second)
		}))
		cv.So(inbox, cv.ShouldEqual, 3)
		cv.So(order, cv.ShouldResemble, []string{"y1", "x1", "x2"})
	})
}

func Test051_isolate_cuts_every_link_of_a_node(t *testing.T) {

	cv.Convey("an isolated node neither sends nor receives; others are unaffected; Unisolate restores it", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetDefaultPolicy(LinkPolicy{Latency: FixedLatency(time.Millisecond)})
		var atA, atB []arrival
		_, err := rt.CreateNode("A", recvForever(&atA))
		panicOn(err)
		_, err = rt.CreateNode("B", recvForever(&atB))
		panicOn(err)
		rt.Isolate("B")
		panicOn(rt.BlockOn(func(t *Task) error {
			t.Send("A", "m1")
			t.Send("B", "m2")
			t.Sleep(10 * time.Millisecond)
			t.Runtime().Unisolate("B")
			t.Send("B", "m3")
			return t.Sleep(10 * time.Millisecond)
		}))
		cv.So(payloads(atA), cv.ShouldResemble, []string{"m1"})
		cv.So(payloads(atB), cv.ShouldResemble, []string{"m3"})
		cv.So(rt.NetStats().Dropped[DropIsolated], cv.ShouldEqual, 1)
	})
}

func Test052_byte_payloads_are_copied_at_send(t *testing.T) {

	cv.Convey("changing a []byte after Send does not change what arrives", t, func() {
		rt := NewRuntime(quietConfig(5))
		var got []arrival
		_, err := rt.CreateNode("B", recvForever(&got))
		panicOn(err)
		panicOn(rt.BlockOn(func(t *Task) error {
			buf := []byte("abc")
			t.Send("B", buf)
			buf[0] = 'X'
			return t.Sleep(time.Second)
		}))
		cv.So(payloads(got), cv.ShouldResemble, []string{"abc"})
	})
}

func Test053_heal_returns_a_link_to_the_default_policy(t *testing.T) {

	cv.Convey("a healed link follows later default changes unless it had a policy of its own before the partition", t, func() {
		rt := NewRuntime(quietConfig(5))
		rt.SetLoss("B", "A", 0.25)
		rt.Partition("A", "B")
		cv.So(rt.LinkPolicyOf("A", "B").Partitioned, cv.ShouldBeTrue)
		cv.So(rt.LinkPolicyOf("B", "A").Partitioned, cv.ShouldBeTrue)
		rt.Heal("A", "B")
		rt.Heal("C", "D")

		def := LinkPolicy{Latency: FixedLatency(7 * time.Millisecond)}
		rt.SetDefaultPolicy(def)
		cv.So(rt.LinkPolicyOf("A", "B"), cv.ShouldResemble, def)
		cv.So(rt.LinkPolicyOf("C", "D"), cv.ShouldResemble, def)

		ba := rt.LinkPolicyOf("B", "A")
		cv.So(ba.Partitioned, cv.ShouldBeFalse)
		cv.So(ba.Loss, cv.ShouldEqual, 0.25)
		cv.So(ba.Latency, cv.ShouldNotResemble, def.Latency)
	})
}

func Test054_probabilities_outside_0_1_panic(t *testing.T) {

	cv.Convey("loss and duplicate probabilities must lie in [0, 1]", t, func() {
		rt := NewRuntime(quietConfig(5))
		cv.So(func() { rt.SetLoss("A", "B", 1.5) }, cv.ShouldPanic)
		cv.So(func() { rt.SetLoss("A", "B", -0.1) }, cv.ShouldPanic)
		cv.So(func() { rt.SetLoss("A", "B", math.NaN()) }, cv.ShouldPanic)
		cv.So(func() { rt.SetDuplicate("A", "B", 2) }, cv.ShouldPanic)
		cv.So(func() { rt.SetDefaultPolicy(LinkPolicy{Duplicate: -1}) }, cv.ShouldPanic)
		cv.So(func() { rt.SetLinkPolicy("A", "B", LinkPolicy{Loss: math.Inf(1)}) }, cv.ShouldPanic)

		cv.So(func() { rt.SetLoss("A", "B", 1) }, cv.ShouldNotPanic)
		cv.So(func() { rt.SetDuplicate("A", "B", 0) }, cv.ShouldNotPanic)
		cv.So(rt.LinkPolicyOf("A", "B").Loss, cv.ShouldEqual, 1)
	})
}
