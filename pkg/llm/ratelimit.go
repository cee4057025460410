package llm

import (
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window request rate: at most limit
// requests in any window-sized interval. Over-budget requests are refused
// rather than queued; callers decide whether to retry.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	sent []time.Time
	now  func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Acquire reserves a request slot, reporting false when the window is
// already full.
func (r *rateLimiter) Acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.evict(now)
	if len(r.sent) >= r.limit {
		return false
	}
	r.sent = append(r.sent, now)
	return true
}

// Available reports the number of free slots right now.
func (r *rateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(r.now())
	return r.limit - len(r.sent)
}

// evict drops timestamps that have aged out of the window. Callers hold mu.
func (r *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.sent) && !r.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.sent = append(r.sent[:0], r.sent[i:]...)
	}
}
