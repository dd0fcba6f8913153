package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/attlas-services/attlas-server/config"
)

func limiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		MaxRequests:   60,
		WindowSeconds: 60,
		BurstLimit:    90,
		BlockMinutes:  5,
	}
}

func TestRateLimitWindowProgression(t *testing.T) {
	rl := NewRateLimiter(limiterConfig())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Requests 1..60 pass cleanly.
	for i := 1; i <= 60; i++ {
		dec := rl.Check("10.0.0.1", now)
		assert.True(t, dec.Allowed, "request %d", i)
		assert.False(t, dec.SoftLimit, "request %d", i)
	}
	// 61..90 pass with the soft-limit flag.
	for i := 61; i <= 90; i++ {
		dec := rl.Check("10.0.0.1", now)
		assert.True(t, dec.Allowed, "request %d", i)
		assert.True(t, dec.SoftLimit, "request %d", i)
	}
	// 91 flips the bucket into a blocked window.
	dec := rl.Check("10.0.0.1", now)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 5*time.Minute, dec.RetryAfter)

	// Still blocked just before the window ends.
	dec = rl.Check("10.0.0.1", now.Add(4*time.Minute))
	assert.False(t, dec.Allowed)

	// After the block elapses the window resets.
	dec = rl.Check("10.0.0.1", now.Add(6*time.Minute))
	assert.True(t, dec.Allowed)
}

func TestRateLimitWindowResetClearsCount(t *testing.T) {
	cfg := limiterConfig()
	cfg.MaxRequests = 2
	cfg.BurstLimit = 3
	rl := NewRateLimiter(cfg)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rl.Check("10.0.0.2", now)
	}
	// A quiet period longer than the window starts a fresh count.
	dec := rl.Check("10.0.0.2", now.Add(2*time.Minute))
	assert.True(t, dec.Allowed)
	assert.False(t, dec.SoftLimit)
}

func TestRateLimitIPsAreIndependent(t *testing.T) {
	cfg := limiterConfig()
	cfg.BurstLimit = 1
	rl := NewRateLimiter(cfg)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rl.Check("10.0.0.3", now)
	dec := rl.Check("10.0.0.3", now)
	assert.False(t, dec.Allowed)

	dec = rl.Check("10.0.0.4", now)
	assert.True(t, dec.Allowed)
}

func TestRateLimitPurge(t *testing.T) {
	rl := NewRateLimiter(limiterConfig())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rl.Check("10.0.0.5", now)
	rl.Check("10.0.0.6", now)
	assert.Equal(t, 2, rl.Len())

	// Older than five windows: purged.
	removed := rl.Purge(now.Add(6 * time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimitPurgeKeepsBlocked(t *testing.T) {
	cfg := limiterConfig()
	cfg.BurstLimit = 1
	cfg.BlockMinutes = 30
	rl := NewRateLimiter(cfg)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rl.Check("10.0.0.7", now)
	rl.Check("10.0.0.7", now) // blocked for 30 minutes

	removed := rl.Purge(now.Add(10 * time.Minute))
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, rl.Len())
}
