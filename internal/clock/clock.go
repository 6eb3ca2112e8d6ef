// Package clock provides the time source used for TTL computation and
// deadline checks across the coordination layer.
//
// Every manager takes a Clock instead of calling time.Now directly so that
// expiry behavior can be driven deterministically in tests with Manual.
package clock

import "time"

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
//
// Thread-safety: Real is stateless and safe for concurrent use.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
