package gateway

import (
	"sync"
	"time"
)

// RateLimiter bounds how many signaling calls one identity may issue inside
// a sliding window. Frames over the limit are answered with an error
// response, never a connection close.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[userID]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[userID] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[userID] = fresh
	return true
}

// Forget drops userID's window, called when its connection goes away.
func (rl *RateLimiter) Forget(userID string) {
	rl.mu.Lock()
	delete(rl.history, userID)
	rl.mu.Unlock()
}
