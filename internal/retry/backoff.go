// Package retry computes retry delays and maintains a subscription's bounded
// queue of deliveries awaiting another attempt.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// Rand returns a value in [0, 1). Tests pass a fixed source.
type Rand func() float64

// DefaultRand is the process-wide source used outside tests.
var DefaultRand Rand = rand.Float64

// Backoff returns the delay before the given attempt (1-based):
// initial * multiplier^(attempt-1), capped at the policy max, then jittered
// by up to +/- jitterFactor of itself.
func Backoff(p model.RetryPolicy, attempt int, rnd Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}

	delay := float64(p.InitialDelayMs) * math.Pow(mult, float64(attempt-1))
	if maxMs := float64(p.MaxDelayMs); maxMs > 0 && delay > maxMs {
		delay = maxMs
	}

	if p.Jitter && p.JitterFactor > 0 {
		if rnd == nil {
			rnd = DefaultRand
		}
		delay += (rnd() - 0.5) * 2 * delay * p.JitterFactor
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Millisecond))
}

// Retryable reports whether a failed attempt may be retried under p.
// Network failures carry no status code and are always retryable.
func Retryable(p model.RetryPolicy, statusCode int) bool {
	if statusCode == 0 || len(p.RetryableStatusCodes) == 0 {
		return true
	}
	for _, code := range p.RetryableStatusCodes {
		if code == statusCode {
			return true
		}
	}
	return false
}
