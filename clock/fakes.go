package clock

import (
	"sync"
	"time"
)

// StoppedClock is a Clock that always returns the same time, until SetTime
// is called. Useful for pinning a test to one instant.
type StoppedClock struct {
	mutex sync.Mutex
	time  time.Time
}

var _ Clock = (*StoppedClock)(nil)

// NewStoppedClock creates a StoppedClock fixed at the given instant.
func NewStoppedClock(t time.Time) *StoppedClock {
	return &StoppedClock{time: t}
}

// SetTime changes the fixed instant returned by Now.
func (c *StoppedClock) SetTime(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.time = t
}

// Now returns the fixed instant.
func (c *StoppedClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.time
}

// SteppingClock returns a given series of time values, one at a time. Once
// the series is exhausted, further calls return the last value. Useful for
// a test that needs to observe a handful of specific instants in sequence.
type SteppingClock struct {
	mutex sync.Mutex
	next  int
	times []time.Time
}

var _ Clock = (*SteppingClock)(nil)

// NewSteppingClock creates a SteppingClock that yields times in order.
func NewSteppingClock(times []time.Time) *SteppingClock {
	return &SteppingClock{times: times}
}

// SetTimes replaces the series of times to return.
func (c *SteppingClock) SetTimes(times []time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.times = times
	c.next = 0
}

// Now returns the next time in the series, or the last one if the series is
// exhausted, or the UNIX epoch if no series was ever set.
func (c *SteppingClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.times) == 0 {
		return time.Unix(0, 0).UTC()
	}
	if c.next >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.next]
	c.next++
	return t
}
