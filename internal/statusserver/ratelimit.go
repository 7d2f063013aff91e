package statusserver

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit control requests per caller within a
// sliding window. Callers are the identity strings built by identity().
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	callers map[string][]time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		callers: make(map[string][]time.Time),
	}
}

// Allow reports whether caller may make another request and, if so, counts
// it. Refused requests do not extend the caller's penalty.
func (r *RateLimiter) Allow(caller string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.recent(caller, now)
	if len(recent) >= r.limit {
		r.callers[caller] = recent
		return false
	}
	r.callers[caller] = append(recent, now)
	r.evictIdle(now)
	return true
}

func (r *RateLimiter) recent(caller string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	seen := r.callers[caller]
	kept := seen[:0]
	for _, t := range seen {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// evictIdle drops callers with no request inside the window so the map
// does not grow with every short-lived tcp source port or pid.
func (r *RateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-r.window)
	for caller, seen := range r.callers {
		if len(seen) == 0 || !seen[len(seen)-1].After(cutoff) {
			delete(r.callers, caller)
		}
	}
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers = make(map[string][]time.Time)
}
