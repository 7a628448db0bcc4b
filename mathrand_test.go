package detsim

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_stream_is_reproducible_from_seed(t *testing.T) {

	cv.Convey("two streams from the same seed draw the same values; a different seed draws different ones", t, func() {
		a := NewStream(SeedFromUint64(42))
		b := NewStream(SeedFromUint64(42))
		c := NewStream(SeedFromUint64(43))
		same := 0
		for i := 0; i < 100; i++ {
			va := a.Uint64()
			vb := b.Uint64()
			vc := c.Uint64()
			cv.So(va, cv.ShouldEqual, vb)
			if va == vc {
				same++
			}
		}
		cv.So(same, cv.ShouldBeLessThan, 2)
	})
}

func Test002_derive_is_keyed_not_positional(t *testing.T) {

	cv.Convey("deriving a sub-stream neither draws from the parent nor depends on how much the parent has drawn", t, func() {
		seed := SeedFromUint64(7)

		p1 := NewStream(seed)
		p2 := NewStream(seed)

		// p1 draws and derives extra streams before "x"; p2 does not.
		p1.Uint64()
		p1.Derive("unrelated")
		p1.Derive("other").Uint64()

		x1 := p1.Derive("x")
		x2 := p2.Derive("x")
		for i := 0; i < 20; i++ {
			cv.So(x1.Uint64(), cv.ShouldEqual, x2.Uint64())
		}

		// the parents still agree after the derive calls.
		p2.Uint64()
		cv.So(p1.Uint64(), cv.ShouldEqual, p2.Uint64())

		cv.So(x1.Label(), cv.ShouldEqual, "root/x")

		y := p2.Derive("y")
		x3 := NewStream(seed).Derive("x")
		cv.So(y.Uint64(), cv.ShouldNotEqual, x3.Uint64())
	})
}

func Test003_bounded_draws(t *testing.T) {

	cv.Convey("Int63n, DurationBetween and Float64 stay in range; Chance does not draw at 0 or 1", t, func() {
		r := NewStream(SeedFromUint64(1))
		for i := 0; i < 1000; i++ {
			v := r.Int63n(7)
			cv.So(v >= 0 && v < 7, cv.ShouldBeTrue)

			d := r.DurationBetween(time.Millisecond, 3*time.Millisecond)
			cv.So(d >= time.Millisecond && d <= 3*time.Millisecond, cv.ShouldBeTrue)

			f := r.Float64()
			cv.So(f >= 0 && f < 1, cv.ShouldBeTrue)
		}
		cv.So(func() { r.Int63n(0) }, cv.ShouldPanic)

		a := NewStream(SeedFromUint64(2))
		b := NewStream(SeedFromUint64(2))
		cv.So(a.Chance(0), cv.ShouldBeFalse)
		cv.So(a.Chance(1), cv.ShouldBeTrue)
		cv.So(a.Chance(-3), cv.ShouldBeFalse)
		cv.So(a.Uint64(), cv.ShouldEqual, b.Uint64())

		xs := []int{0, 1, 2, 3, 4, 5, 6, 7}
		ys := []int{0, 1, 2, 3, 4, 5, 6, 7}
		NewStream(SeedFromUint64(3)).Shuffle(len(xs), func(i, j int) { xs[i], xs[j] = xs[j], xs[i] })
		NewStream(SeedFromUint64(3)).Shuffle(len(ys), func(i, j int) { ys[i], ys[j] = ys[j], ys[i] })
		cv.So(xs, cv.ShouldResemble, ys)
	})
}
