// Package system provides wall-clock time sources.
package system

import "time"

// Clock returns UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock frozen at one instant, for tests and replays.
type Fixed time.Time

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
