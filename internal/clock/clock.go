// Package clock is the wall-clock source the cache interface consults for
// freshness comparisons. Abstracting it behind an interface lets cache
// freshness tests fake "now" without sleeping.
package clock

import "time"

// Clock returns the current time. CacheEntry.MaxAge is an absolute instant
// derived from it, so swapping in Fixed lets a test control freshness
// deterministically.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now().
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a Clock that always returns a fixed instant, for tests.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time { return f.At }
