// Package clock provides the time-discipline layer described in spec §4.1:
// a monotonic microsecond time source extrapolated from a one-second-
// resolution RTC, disciplined against a network time source.
package clock

import "time"

// Clock provides a monotonic wall-clock reading as an alternative to using
// the standard time package directly, so that RTC and tests can supply a
// chosen series of values. Known implementations: SystemClock (real time),
// SteppingClock and StoppedClock (deterministic, for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock satisfies Clock by returning the system time.
type SystemClock struct{}

var _ Clock = SystemClock{}

// NewSystemClock returns the real system clock.
func NewSystemClock() Clock { return SystemClock{} }

// Now returns the system time.
func (SystemClock) Now() time.Time { return time.Now() }
