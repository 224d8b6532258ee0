package lifecycle

import (
	"time"
)

// RateLimiter implements sliding-window admission control. It keeps the
// timestamps of recent admissions and denies once the trailing window is
// full. Capacity refills as old admissions age out, not instantaneously.
//
// Owned and mutated exclusively by one Manager; not safe for concurrent use.
type RateLimiter struct {
	max        int
	window     time.Duration
	admissions []time.Time
}

// NewRateLimiter creates a limiter admitting at most max requests per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:        max,
		window:     window,
		admissions: make([]time.Time, 0, max),
	}
}

// Admit decides whether a request arriving at now may proceed. On denial,
// retryAfter is the time until the oldest admission leaves the window,
// truncated to whole seconds.
func (rl *RateLimiter) Admit(now time.Time) (allowed bool, retryAfter time.Duration) {
	rl.prune(now)

	if len(rl.admissions) < rl.max {
		rl.admissions = append(rl.admissions, now)
		return true, 0
	}

	retryAfter = rl.admissions[0].Add(rl.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter.Truncate(time.Second)
}

// prune drops admissions older than the window start. Admissions are
// appended in time order, so the slice stays sorted.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.admissions) && !rl.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.admissions = append(rl.admissions[:0], rl.admissions[i:]...)
	}
}

// Len returns the number of admissions currently inside the window.
func (rl *RateLimiter) Len(now time.Time) int {
	rl.prune(now)
	return len(rl.admissions)
}
