// Package circuit implements the per-subscription three-state circuit breaker.
//
// The open to half-open transition is lazy: it happens in CanAttempt once the
// cool-down has passed, not on a timer.
package circuit

import (
	"time"

	"github.com/zachbroad/webhook-engine/internal/model"
)

const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 60 * time.Second
)

// CanAttempt reports whether a delivery may be attempted at now. An open
// breaker whose cool-down has elapsed moves to half-open and allows the probe.
func CanAttempt(p *model.CircuitBreakerPolicy, now time.Time) bool {
	if !p.Enabled {
		return true
	}
	if p.State != model.CircuitOpen {
		return true
	}
	if now.Before(p.NextAttempt) {
		return false
	}
	transition(p, model.CircuitHalfOpen, now)
	return true
}

// IsOpen reports whether the breaker currently blocks deliveries, without
// changing its state.
func IsOpen(p model.CircuitBreakerPolicy, now time.Time) bool {
	return p.Enabled && p.State == model.CircuitOpen && now.Before(p.NextAttempt)
}

// RecordOutcome feeds a delivery outcome and the subscription's current
// consecutive-failure count into the breaker.
func RecordOutcome(p *model.CircuitBreakerPolicy, success bool, consecutiveFailures int, now time.Time) {
	if !p.Enabled {
		return
	}
	p.FailureCount = consecutiveFailures

	switch p.State {
	case model.CircuitHalfOpen:
		if success {
			p.FailureCount = 0
			transition(p, model.CircuitClosed, now)
			return
		}
		transition(p, model.CircuitOpen, now)
		p.NextAttempt = now.Add(2 * timeout(p))
	case model.CircuitOpen:
		// stays open until CanAttempt moves it to half-open
	default:
		if !success && consecutiveFailures >= threshold(p) {
			transition(p, model.CircuitOpen, now)
			p.NextAttempt = now.Add(timeout(p))
		}
	}
}

func transition(p *model.CircuitBreakerPolicy, to model.CircuitState, now time.Time) {
	p.State = to
	p.LastStateChange = now
	if to != model.CircuitOpen {
		p.NextAttempt = time.Time{}
	}
}

func threshold(p *model.CircuitBreakerPolicy) int {
	if p.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return p.FailureThreshold
}

func timeout(p *model.CircuitBreakerPolicy) time.Duration {
	if p.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return p.Timeout()
}
