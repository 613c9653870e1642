package pipeline

import "sync/atomic"

// Clock is the engine's monotonic logical clock. Every ingested record gets
// a seq from it; the seq is the deterministic tiebreak when observation
// timestamps collide. Seeded from the store's last persisted seq at start
// so restarts never reuse a value.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock that will hand out start+1 first.
func NewClock(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the most recently issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
