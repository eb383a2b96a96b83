package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements a per-user token bucket: limit requests burst, and
// the bucket refills completely over window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*userLimiter),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	ul, ok := r.limiters[key]
	if !ok {
		every := r.window / time.Duration(max(r.limit, 1))
		ul = &userLimiter{lim: rate.NewLimiter(rate.Every(every), r.limit)}
		r.limiters[key] = ul
	}
	ul.lastSeen = now
	return ul.lim.AllowN(now, 1)
}

// Stop ends the eviction goroutine. It is safe to call more than once.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// startEviction periodically drops users idle for a full window. Their
// bucket has refilled by then, so a fresh limiter is equivalent.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, ul := range r.limiters {
				if ul.lastSeen.Before(cutoff) {
					delete(r.limiters, key)
				}
			}
			r.mu.Unlock()
		}
	}()
}

func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
