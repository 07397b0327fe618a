package clock

import "sync/atomic"

// AtomicClock allocates sequence numbers from a process-wide counter. It is
// injected into the write path rather than read as global state so the core
// stays testable in isolation.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Reserve allocates n consecutive sequence numbers and returns the first.
// Batches use this so their entries stay adjacent in sequence order.
func (ac *AtomicClock) Reserve(n uint64) uint64 {
	return ac.Add(n) - n + 1
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Observe raises the counter to at least t. Used during WAL replay to
// re-synchronise the clock with the highest recovered sequence.
func (ac *AtomicClock) Observe(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
