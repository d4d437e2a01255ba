package benchmarks

import "sync/atomic"

// floorLimiter is the cheapest admission gate that still refuses callers
// past its allowance: one atomic add on the hot path, a fixed budget,
// nothing else. It exists as the lower bound the adaptive bucket is
// measured against; there is no refill clock, no rate feedback, no pause
// window.
type floorLimiter struct{ left atomic.Int64 }

func newFloorLimiter(allowance int64) *floorLimiter {
	l := &floorLimiter{}
	l.left.Store(allowance)
	return l
}

// allow admits one caller. A loser of the race restores the token it did
// not get, so the allowance is never exceeded; under heavy contention a
// caller may be refused while a refund is in flight.
func (l *floorLimiter) allow() bool {
	if l.left.Add(-1) >= 0 {
		return true
	}
	l.left.Add(1)
	return false
}

func (l *floorLimiter) remaining() int64 {
	if n := l.left.Load(); n > 0 {
		return n
	}
	return 0
}
