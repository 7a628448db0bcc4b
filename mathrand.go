package detsim

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	blakehash "github.com/glycerine/detsim/hash"
)

// Seed is the sole source of randomness in a run.
type Seed [32]byte

// SeedFromUint64 expands the integer seed a user
// supplies into a full Seed.
func SeedFromUint64(u uint64) (seed Seed) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	sum := blakehash.Blake3OfBytes(append([]byte("detsim-seed/"), b[:]...))
	copy(seed[:], sum)
	return
}

func (s Seed) String() string {
	return cristalbase64.URLEncoding.EncodeToString(s[:9])
}

// Stream is a deterministic pseudo random number
// generator keyed by 32 bytes; it reads the blake3 XOF
// of its key. It is goroutine safe.
//
// Derive gives independent sub-streams keyed by label.
// Deriving does not draw from the parent, so adding
// a consumer of one stream never changes what any
// other stream produces.
type Stream struct {
	mut        sync.Mutex
	key        [32]byte
	label      string
	blake3rand *blakehash.Blake3
}

// NewStream returns the root stream of a run.
func NewStream(seed Seed) *Stream {
	return &Stream{
		key:        seed,
		label:      "root",
		blake3rand: blakehash.NewBlake3WithKey(seed),
	}
}

// Derive returns the sub-stream named label.
// Calling Derive twice with the same label returns
// two streams that produce the same values.
func (r *Stream) Derive(label string) *Stream {
	child := blakehash.DeriveKey(r.key, label)
	return &Stream{
		key:        child,
		label:      r.label + "/" + label,
		blake3rand: blakehash.NewBlake3WithKey(child),
	}
}

func (r *Stream) Label() string {
	return r.label
}

// Read fills p with pseudo random bytes.
func (r *Stream) Read(p []byte) (n int, err error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.blake3rand.ReadXOF(p)
}

// Uint64 satisfies the math/rand/v2 Source interface.
func (r *Stream) Uint64() uint64 {
	var b [8]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Int63 returns r >= 0
func (r *Stream) Int63() int64 {
	return int64(r.Uint64() >> 1)
}

// Int63n returns r in [0, n) without modulo bias.
// n must be > 0.
func (r *Stream) Int63n(n int64) int64 {
	if n <= 0 {
		panic(fmt.Sprintf("Int63n: n must be > 0; we see %v", n))
	}
	if n == 1 {
		return 0
	}
	// compute the last valid acceptable value,
	// possibly leaving a small window at the top of the
	// int63 range that will require drawing again.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % n) + 1) % n)
	// INVAR: redrawAbove % n == (n - 1).
	for {
		v := r.Int63()
		if v <= redrawAbove {
			return v % n
		}
	}
}

// Float64 returns a value in [0, 1).
func (r *Stream) Float64() float64 {
	// 53 bits of mantissa
	return float64(r.Uint64()>>11) / (1 << 53)
}

func (r *Stream) Bool() bool {
	return r.Uint64()&1 == 0
}

// Chance returns true with probability p. It does
// not draw when p <= 0 or p >= 1.
func (r *Stream) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.Float64() < p
}

// DurationBetween returns a duration uniform in [min, max].
func (r *Stream) DurationBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	vary := int64(max - min)
	if vary == math.MaxInt64 {
		return min + time.Duration(r.Int63())
	}
	return min + time.Duration(r.Int63n(vary+1))
}

// Shuffle pseudo-randomizes the order of n elements
// (Fisher-Yates).
func (r *Stream) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := int(r.Int63n(int64(i + 1)))
		swap(i, j)
	}
}
