package detsim

import (
	"fmt"
	"time"
)

// VirtualTime is simulated time: nanoseconds since the
// start of the run. Its epoch is 0; its resolution is
// one nanosecond. Only the scheduler moves it, and only
// forward.
type VirtualTime int64

func (v VirtualTime) Add(d time.Duration) VirtualTime {
	return v + VirtualTime(d)
}

func (v VirtualTime) Sub(w VirtualTime) time.Duration {
	return time.Duration(v - w)
}

func (v VirtualTime) Before(w VirtualTime) bool { return v < w }
func (v VirtualTime) After(w VirtualTime) bool  { return v > w }

// Since0 is the time elapsed since the start of the run.
func (v VirtualTime) Since0() time.Duration {
	return time.Duration(v)
}

// Wall renders v as a wall clock time, relative to epoch.
func (v VirtualTime) Wall(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(v)).In(gtz)
}

func (v VirtualTime) String() string {
	return fmt.Sprintf("T+%v", time.Duration(v))
}

func (v VirtualTime) StringWall(epoch time.Time) string {
	return nice9(v.Wall(epoch))
}

// Clock is the virtual clock. Reading it never blocks
// and never advances it.
type Clock struct {
	now VirtualTime
}

func (c *Clock) Now() VirtualTime {
	return c.now
}

// advanceTo is only called by the scheduler, with the
// deadline of the event it just popped.
func (c *Clock) advanceTo(t VirtualTime) {
	if t < c.now {
		panic(fmt.Sprintf("clock cannot go backwards: now=%v, asked for %v", c.now, t))
	}
	c.now = t
}
