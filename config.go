package detsim

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything a run depends on. Two runs
// with equal Config (and equal application code)
// produce equal traces.
type Config struct {

	// Seed is the single external input that
	// initializes all randomness in the run.
	Seed uint64

	// Epoch is the wall clock time that VirtualTime 0
	// renders as. It is only used for display and
	// for Task.WallNow(); it never feeds the scheduler.
	Epoch time.Time

	// DefaultLink is the policy of any link that
	// has not been given its own.
	DefaultLink LinkPolicy

	// TimeLimit > 0 stops the run with ErrTimeLimit
	// once virtual time would pass it.
	TimeLimit time.Duration

	// MaxSteps > 0 stops the run with ErrTimeLimit
	// after that many popped events.
	MaxSteps int64

	// Trace records (time, kind, participant) tuples.
	Trace bool

	// Verbose logs every scheduler event.
	Verbose bool

	// Quiet suppresses warnings such as task
	// failures on stdout.
	Quiet bool
}

// defaultEpoch is 2000-01-01T00:00:00Z.
var defaultEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func NewConfig() *Config {
	return &Config{
		Epoch: defaultEpoch,
		DefaultLink: LinkPolicy{
			Latency: UniformLatency{Min: time.Millisecond, Max: 10 * time.Millisecond},
		},
		Trace: true,
	}
}

// LoadEnv overrides fields from the environment:
//
//	DETSIM_SEED        unsigned integer seed
//	DETSIM_TIME_LIMIT  a time.ParseDuration string, e.g. "1h"
//	DETSIM_VERBOSE     any non-empty value other than "0"
//
// Replaying a failed run is then a matter of exporting
// the seed it printed.
func (c *Config) LoadEnv() (err error) {
	if s := os.Getenv("DETSIM_SEED"); s != "" {
		c.Seed, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("error: bad DETSIM_SEED '%v': %w", s, err)
		}
	}
	if s := os.Getenv("DETSIM_TIME_LIMIT"); s != "" {
		c.TimeLimit, err = time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("error: bad DETSIM_TIME_LIMIT '%v': %w", s, err)
		}
	}
	switch os.Getenv("DETSIM_VERBOSE") {
	case "", "0":
	default:
		c.Verbose = true
	}
	return nil
}

func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
