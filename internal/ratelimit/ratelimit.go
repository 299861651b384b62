// Package ratelimit enforces a subscription's per-second, per-minute,
// per-hour and per-day delivery ceilings. Counters and reset times live on the
// subscription itself so they are persisted with the rest of its state.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/zachbroad/webhook-engine/internal/model"
)

type period struct {
	name   string
	limit  int
	window *model.RateLimitWindow
	next   func(now time.Time) time.Time
}

func periods(p *model.RateLimitPolicy) []period {
	return []period{
		{"second", p.PerSecond, &p.Second, func(now time.Time) time.Time { return now.Add(time.Second) }},
		{"minute", p.PerMinute, &p.Minute, func(now time.Time) time.Time { return now.Add(time.Minute) }},
		{"hour", p.PerHour, &p.Hour, func(now time.Time) time.Time { return now.Add(time.Hour) }},
		{"day", p.PerDay, &p.Day, nextMidnight},
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// CheckAndConsume resets expired windows, then either consumes one unit from
// every configured period or, if any period is at its ceiling, marks the
// policy exceeded and returns ErrRateLimitExceeded without consuming.
func CheckAndConsume(p *model.RateLimitPolicy, now time.Time) error {
	if !p.Enabled {
		return nil
	}

	ps := periods(p)
	for _, per := range ps {
		if per.limit <= 0 {
			continue
		}
		if per.window.ResetAt.IsZero() || !now.Before(per.window.ResetAt) {
			per.window.Count = 0
			per.window.ResetAt = per.next(now)
		}
	}

	for _, per := range ps {
		if per.limit > 0 && per.window.Count >= per.limit {
			p.Exceeded = true
			return fmt.Errorf("%w: %d per %s", model.ErrRateLimitExceeded, per.limit, per.name)
		}
	}

	for _, per := range ps {
		if per.limit > 0 {
			per.window.Count++
		}
	}
	p.Exceeded = false
	return nil
}

// Exceeded reports whether a call at now would be rejected, without changing
// any counter.
func Exceeded(p model.RateLimitPolicy, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	for _, per := range periods(&p) {
		if per.limit <= 0 {
			continue
		}
		if per.window.ResetAt.IsZero() || !now.Before(per.window.ResetAt) {
			continue
		}
		if per.window.Count >= per.limit {
			return true
		}
	}
	return false
}
