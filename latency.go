package detsim

import (
	"fmt"
	"time"
)

// LatencyDist is a one way link delay distribution.
// Sample must draw only from r.
type LatencyDist interface {
	Sample(r *Stream) time.Duration
	String() string
}

// FixedLatency always takes the same time and draws
// nothing from the stream.
type FixedLatency time.Duration

func (f FixedLatency) Sample(r *Stream) time.Duration {
	return time.Duration(f)
}

func (f FixedLatency) String() string {
	return fmt.Sprintf("fixed(%v)", time.Duration(f))
}

// UniformLatency is uniform on [Min, Max].
type UniformLatency struct {
	Min time.Duration
	Max time.Duration
}

func (u UniformLatency) Sample(r *Stream) time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	return r.DurationBetween(u.Min, u.Max)
}

func (u UniformLatency) String() string {
	return fmt.Sprintf("uniform(%v, %v)", u.Min, u.Max)
}

func sampleLatency(d LatencyDist, r *Stream) time.Duration {
	if d == nil {
		return 0
	}
	lat := d.Sample(r)
	if lat < 0 {
		panic(fmt.Sprintf("latency distribution %v gave negative sample %v", d, lat))
	}
	return lat
}
