// Package clock provides the Clock oracle. All timestamps the core persists
// go through it so the system never mixes naive and UTC time: every value
// observed by a caller is already UTC.
package clock

import "time"

// Clock returns the current instant, always in UTC.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock; it wraps time.Now().UTC().
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Frozen is a test Clock that always returns a fixed instant until Advance
// is called.
type Frozen struct {
	t time.Time
}

// NewFrozen returns a Frozen clock seeded at t (normalized to UTC).
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t.UTC()}
}

// Now returns the frozen instant.
func (f *Frozen) Now() time.Time { return f.t }

// Advance moves the frozen instant forward by d.
func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the frozen instant to t (normalized to UTC).
func (f *Frozen) Set(t time.Time) { f.t = t.UTC() }
