package webhook

import (
	"sync"
	"time"
)

// window is how far back admitted-request timestamps are retained before
// being pruned, per §4.5's "entries older than 60s".
const window = 60 * time.Second

// RateLimiter is a per-remote-address sliding window admission check.
// golang.org/x/time/rate's token bucket doesn't express the exact
// prune-entries-older-than-60s semantics spec'd here, so this is a direct
// map+mutex implementation of the described algorithm.
type RateLimiter struct {
	mu         sync.Mutex
	limit      int
	timestamps map[string][]time.Time
	now        func() time.Time
}

// NewRateLimiter builds a limiter admitting at most limit requests per
// remote address within a 60s sliding window.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:      limit,
		timestamps: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether a request from key should be admitted, recording
// it if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	kept := r.timestamps[key][:0]
	for _, t := range r.timestamps[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.timestamps[key] = kept
		return false
	}

	r.timestamps[key] = append(kept, now)
	return true
}
