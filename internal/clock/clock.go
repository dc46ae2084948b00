// Package clock wraps time.Now behind a one-method interface so the job
// scheduler's new-window arithmetic can be driven by a fixed time in tests,
// keeping resume behavior deterministic and reproducible.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns time.Now().UTC().
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock that always returns the same instant. Useful in tests.
type Fixed time.Time

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
