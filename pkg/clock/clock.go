// Package clock abstracts time so breakers, caches and retries can be driven
// by a real or a manually advanced clock.
package clock

import "time"

// Clock is the time source used by every deadline in SessionGuard.
// Cooldowns and TTLs are compared against Now at call time; nothing is
// scheduled on OS timers except After, which backs retry backoff.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
	// After returns a channel that receives the current time after duration d.
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the standard time package.
type RealClock struct{}

// NewRealClock creates a wall-clock implementation.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
