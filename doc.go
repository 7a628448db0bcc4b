/*
Package detsim is a deterministic simulation runtime for
testing distributed systems code.

Given the same seed, every run makes the same scheduling
decisions, delivers the same messages at the same virtual
times, and draws the same random numbers, regardless of
the host, GOMAXPROCS, or load. A simulated hour of
sleeps and timeouts costs one timer queue pop each.

A run looks like this:

	cfg := detsim.NewConfig()
	cfg.Seed = 42
	rt := detsim.NewRuntime(cfg)

	rt.CreateNode("b", func(t *detsim.Task) error {
		msg, err := t.Recv()
		...
	})
	err := rt.BlockOn(func(t *detsim.Task) error {
		t.Sleep(time.Second)
		return t.Send("b", []byte("ping"))
	})

Tasks are goroutines, but only one of them (or the
scheduler) runs at any moment. A task runs until it
calls a suspending primitive: Sleep, Timeout, Recv,
Join, or Yield. When no task can run, the scheduler
pops the earliest pending event (a timer or a message
arrival), moves the virtual clock to it, and wakes
whoever was waiting.

Simulated code must only block through these
primitives. A task that blocks on a Go channel, a
mutex held by another task, or real I/O stalls the
whole simulation; a task that reads the wall clock or
math/rand gives up reproducibility.

Faults are injected through the Runtime: Kill, Restart,
Pause and Resume for nodes; Partition, Heal, SetLoss,
SetLatency, SetDuplicate, Isolate and HealAll for the
network. AfterFunc schedules such a change at a future
virtual time.

Package simrpc layers request/reply and server-streaming
RPC with pluggable codecs on top of Send and Recv.

Export DETSIM_SEED and call Config.LoadEnv to replay
a failing run.
*/
package detsim
