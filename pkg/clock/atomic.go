package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing sequence numbers.
type AtomicClock struct {
	v atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.v.Store(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.v.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.v.Add(1)
}

// Observe moves the clock forward to seen if it is behind. Used on replay.
func (ac *AtomicClock) Observe(seen uint64) {
	for {
		cur := ac.v.Load()
		if seen <= cur || ac.v.CompareAndSwap(cur, seen) {
			return
		}
	}
}
