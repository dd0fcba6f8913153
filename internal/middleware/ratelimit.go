package middleware

import (
	"sync"
	"time"

	"github.com/attlas-services/attlas-server/config"
)

// bucket tracks one client IP's request window.
type bucket struct {
	lastRequest  time.Time
	count        int
	blockedUntil time.Time
}

// RateLimiter keeps fixed-window counters per client IP. A client that
// exceeds the burst limit is blocked for the configured duration; counts
// between the soft and burst limits are logged but permitted by the caller.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	maxRequests int
	burstLimit  int
	window      time.Duration
	blockFor    time.Duration
}

// NewRateLimiter builds a limiter from configuration.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		buckets:     make(map[string]*bucket),
		maxRequests: cfg.MaxRequests,
		burstLimit:  cfg.BurstLimit,
		window:      time.Duration(cfg.WindowSeconds) * time.Second,
		blockFor:    time.Duration(cfg.BlockMinutes) * time.Minute,
	}
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	SoftLimit  bool
	RetryAfter time.Duration
}

// Check advances the window for ip at the given instant.
func (rl *RateLimiter) Check(ip string, now time.Time) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{}
		rl.buckets[ip] = b
	}

	if now.Before(b.blockedUntil) {
		return Decision{Allowed: false, RetryAfter: rl.blockFor}
	}

	if now.Sub(b.lastRequest) > rl.window {
		b.count = 1
	} else {
		b.count++
	}

	if b.count > rl.burstLimit {
		b.blockedUntil = now.Add(rl.blockFor)
		b.lastRequest = now
		return Decision{Allowed: false, RetryAfter: rl.blockFor}
	}

	soft := b.count > rl.maxRequests
	b.lastRequest = now
	return Decision{Allowed: true, SoftLimit: soft}
}

// Purge drops buckets idle for more than five windows and not currently
// blocked. Driven by the supervisor's periodic task.
func (rl *RateLimiter) Purge(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, b := range rl.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastRequest) > 5*rl.window {
			delete(rl.buckets, ip)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
