package governance

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
)

// RateLimiterConfig defines per-pipeline rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per pipeline.
type RateLimiter struct {
	mu      sync.RWMutex
	clock   domain.Clock
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a rate limiter with the provided configuration. A
// nil clock reads the wall clock.
func NewRateLimiter(config map[string]RateLimiterConfig, clock domain.Clock) *RateLimiter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	rl := &RateLimiter{
		clock:   clock,
		buckets: make(map[string]*tokenBucket),
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-pipeline limits. Buckets of pipelines that keep
// a limit preserve their tokens.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	newBuckets := make(map[string]*tokenBucket, len(config))
	for name, cfg := range config {
		if bucket, exists := rl.buckets[name]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			newBuckets[name] = bucket
		} else {
			newBuckets[name] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, now)
		}
	}
	rl.buckets = newBuckets
}

// Allow reports whether a command for the given pipeline may proceed.
// Pipelines without a configured limit are always allowed.
func (rl *RateLimiter) Allow(name string) bool {
	rl.mu.RLock()
	bucket, exists := rl.buckets[name]
	rl.mu.RUnlock()

	if !exists {
		return true
	}
	return bucket.take(rl.clock.Now())
}

// AllowContext is Allow that refuses once ctx is done.
func (rl *RateLimiter) AllowContext(ctx context.Context, name string) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return rl.Allow(name)
}

// Stats returns current rate limit statistics for all pipelines.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.clock.Now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for name, bucket := range rl.buckets {
		stats[name] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          int     `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burstSize int, now time.Time) *tokenBucket {
	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: now,
	}
}

func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Limit:          int(tb.rate),
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
