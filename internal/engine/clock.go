package engine

import "sync/atomic"

// Clock hands out event seq numbers. Seq is global across sessions, so one
// Clock serves every worker of an orchestrator and persisted logs sort by it
// regardless of which session wrote them.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock whose first seq is 1.
func NewClock() *Clock {
	return &Clock{}
}

// ResumeClock returns a clock that continues an existing log whose highest
// seq is last. Store.MaxSeq supplies last when a run opens a database.
func ResumeClock(last int64) *Clock {
	c := &Clock{}
	c.last.Store(last)
	return c
}

// Next stamps one event or notification.
func (c *Clock) Next() int64 {
	return c.last.Add(1)
}

// Last is the most recent seq handed out, 0 for a fresh clock.
func (c *Clock) Last() int64 {
	return c.last.Load()
}
