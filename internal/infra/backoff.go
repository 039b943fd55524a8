package infra

import (
	"math/rand"
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Backoff returns the exponential backoff duration for a given retry
// count, capped at maxDelay and jittered to half its value so that
// many clients reconnecting at once do not hammer the upstream in
// lockstep. A negative retryCount returns the base delay.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		return baseDelay
	}

	// 2^30 seconds already exceeds any sane cap.
	if retryCount > 30 {
		retryCount = 30
	}

	d := baseDelay * time.Duration(1<<retryCount)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}

	// Full delay becomes [d/2, d).
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
