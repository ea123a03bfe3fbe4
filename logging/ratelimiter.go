package logging

import (
	"sync/atomic"
	"time"
)

// RateLimiter caps an action to once per interval. Allow never takes a
// lock: callers sit on error paths that can fire from many goroutines at
// once when a backend misbehaves, and the limiter must not become the
// point of contention.
//
// Rejected calls are counted. Suppressed drains that count so the next
// allowed log line can say how many entries were swallowed in between,
// which keeps the log honest about the failure rate it is hiding.
type RateLimiter struct {
	interval   int64
	last       atomic.Int64
	suppressed atomic.Int64
}

// NewRateLimiter creates a limiter that allows one action per interval.
// The first call to Allow always passes.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval.Nanoseconds()}
}

// Allow reports whether the action may proceed. When several goroutines
// race inside the same interval, exactly one wins the CAS and the rest
// are counted as suppressed.
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	last := r.last.Load()
	if now-last < r.interval || !r.last.CompareAndSwap(last, now) {
		r.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed returns the number of calls rejected since the previous
// drain and resets the count.
func (r *RateLimiter) Suppressed() int64 {
	return r.suppressed.Swap(0)
}
