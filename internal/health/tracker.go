// Package health folds delivery outcomes into a subscription's statistics,
// health classification, delivery history and circuit breaker, and handles
// automatic suspension after a sustained failure streak.
package health

import (
	"time"

	"github.com/google/uuid"

	"github.com/zachbroad/webhook-engine/internal/circuit"
	"github.com/zachbroad/webhook-engine/internal/model"
)

const (
	HistoryLimit      = 100
	SuspendAfter      = 10
	SuspendFor        = time.Hour
	AutoSuspendReason = "consecutive delivery failures"
)

// Outcome summarizes the side effects of recording one attempt.
type Outcome struct {
	CircuitFrom model.CircuitState
	CircuitTo   model.CircuitState
	Suspended   bool
}

// CircuitChanged reports whether recording moved the breaker.
func (o Outcome) CircuitChanged() bool {
	return o.CircuitFrom != o.CircuitTo
}

// Record applies attempt to sub. It must run under the subscription's lock.
func Record(sub *model.Subscription, attempt model.DeliveryAttempt, now time.Time) Outcome {
	stats := &sub.Statistics
	latencyMs := attempt.Latency.Milliseconds()

	stats.TotalDeliveries++
	if attempt.Success {
		stats.SuccessfulDeliveries++
	} else {
		stats.FailedDeliveries++
	}
	if attempt.AttemptNumber > 1 {
		stats.TotalRetries++
	}
	n := float64(stats.TotalDeliveries)
	stats.AverageResponseMs = (stats.AverageResponseMs*(n-1) + float64(latencyMs)) / n
	stats.SuccessRate = SuccessRate(*stats)

	if stats.ByEventType == nil {
		stats.ByEventType = make(map[string]model.EventTypeStats)
	}
	et := stats.ByEventType[attempt.EventType]
	et.Total++
	if attempt.Success {
		et.Successful++
	} else {
		et.Failed++
	}
	stats.ByEventType[attempt.EventType] = et

	ts := attempt.Timestamp
	if ts.IsZero() {
		ts = now
	}
	last := &sub.LastDelivery
	last.AttemptedAt = &ts
	last.StatusCode = attempt.StatusCode
	last.LatencyMs = latencyMs
	last.Error = attempt.Error
	if attempt.Success {
		last.SucceededAt = &ts
	} else {
		last.FailedAt = &ts
	}

	sub.History = append(sub.History, model.DeliveryRecord{
		ID:         uuid.New(),
		EventID:    attempt.EventID,
		EventType:  attempt.EventType,
		Attempt:    attempt.AttemptNumber,
		Timestamp:  ts,
		Success:    attempt.Success,
		StatusCode: attempt.StatusCode,
		LatencyMs:  latencyMs,
		Error:      attempt.Error,
	})
	if over := len(sub.History) - HistoryLimit; over > 0 {
		sub.History = append(sub.History[:0:0], sub.History[over:]...)
	}

	h := &sub.Status.Health
	if attempt.Success {
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
	}
	h.ErrorRate = errorRate(sub.History)
	h.Status = Classify(h.ConsecutiveFailures, h.ErrorRate)
	h.LastChecked = now

	out := Outcome{CircuitFrom: sub.CircuitBreaker.State}
	circuit.RecordOutcome(&sub.CircuitBreaker, attempt.Success, h.ConsecutiveFailures, now)
	out.CircuitTo = sub.CircuitBreaker.State

	if h.ConsecutiveFailures >= SuspendAfter && !sub.Status.Suspension.Suspended {
		until := now.Add(SuspendFor)
		Suspend(sub, AutoSuspendReason, &until, true, now)
		out.Suspended = true
	}
	return out
}

// Classify derives the health status from the failure streak and error rate.
func Classify(consecutiveFailures int, errorRate float64) model.HealthStatus {
	switch {
	case consecutiveFailures >= 5 || errorRate > 0.5:
		return model.HealthUnhealthy
	case consecutiveFailures >= 3 || errorRate > 0.25:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// SuccessRate is successful/total, or 1 before any delivery.
func SuccessRate(s model.Statistics) float64 {
	if s.TotalDeliveries == 0 {
		return 1
	}
	return float64(s.SuccessfulDeliveries) / float64(s.TotalDeliveries)
}

// errorRate is the failure share of the retained history window.
func errorRate(history []model.DeliveryRecord) float64 {
	if len(history) == 0 {
		return 0
	}
	failed := 0
	for _, r := range history {
		if !r.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(history))
}
