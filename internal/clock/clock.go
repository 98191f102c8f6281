// Package clock provides the two notions of time the engine uses: a logical
// sequence for ordering and a wall clock for informational timestamps.
//
// Ordering decisions (arrival order at a pool, completion order in a
// transaction) always use Logical. Wall timestamps are recorded but never
// compared for ordering, except by the latest-timestamp conflict strategy
// where the timestamps come from the subsystems themselves.
package clock

import (
	"sync/atomic"
	"time"
)

// Logical is a monotonic sequence counter.
//
// Thread-safety: Logical is safe for concurrent use (atomic operations).
type Logical struct {
	seq atomic.Int64
}

// NewLogical creates a logical clock starting at 0.
func NewLogical() *Logical {
	return &Logical{}
}

// NewLogicalAt creates a logical clock starting at a specific sequence
// number. Used to resume after loading persisted state.
func NewLogicalAt(start int64) *Logical {
	c := &Logical{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Logical) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Logical) Current() int64 {
	return c.seq.Load()
}

// Wall supplies wall-clock timestamps.
type Wall interface {
	Now() time.Time
}

// System is the real wall clock in UTC.
type System struct{}

// Now implements Wall.
func (System) Now() time.Time {
	return time.Now().UTC()
}
