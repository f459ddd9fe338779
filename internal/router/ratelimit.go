package router

import (
	"sync"
	"time"
)

// RateLimiter is a per-user sliding-window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[int64][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a rate limiter and starts the background eviction
// goroutine. Call Close to stop it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	rl := &RateLimiter{
		requests: make(map[int64][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow records a request for userID when it fits in the window. When it
// does not, it returns how long until the oldest request leaves the window.
func (r *RateLimiter) Allow(userID int64) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.recentLocked(userID, now)

	if len(recent) >= r.limit {
		r.requests[userID] = recent
		return false, recent[0].Add(r.window).Sub(now)
	}

	r.requests[userID] = append(recent, now)
	return true, 0
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *RateLimiter) recentLocked(userID int64, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var recent []time.Time
	for _, t := range r.requests[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// evictLoop periodically drops users with no requests in the window so the
// map does not grow without bound.
func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evict()
		case <-r.done:
			return
		}
	}
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for userID := range r.requests {
		if fresh := r.recentLocked(userID, now); len(fresh) == 0 {
			delete(r.requests, userID)
		} else {
			r.requests[userID] = fresh
		}
	}
}
