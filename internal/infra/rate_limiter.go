package infra

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket. The broadcaster uses one per
// topic to bound how often snapshots are fanned out; the instrument
// master fetcher uses one to keep refreshes polite. Thread-safe.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter with the given burst size and
// refill rate (tokens per second).
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

// TryAcquire attempts to take a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Reserve returns how long the caller must wait until a token would be
// available, taking the token immediately. Zero means proceed now.
func (r *RateLimiter) Reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	r.tokens--
	if r.tokens >= 0 {
		return 0
	}
	// tokens is negative: each missing token costs 1/refillRate.
	return time.Duration(-r.tokens / r.refillRate * float64(time.Second))
}
