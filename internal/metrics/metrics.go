package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal counts delivery attempts by outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"subscription_id", "status"},
	)

	// DeliveryLatency tracks the wall-clock time of each HTTP call.
	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_latency_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// RetriesTotal counts attempts made from the retry queue.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_retries_total",
			Help: "Total number of webhook delivery retries",
		},
	)

	// QueueDroppedTotal counts entries that left a retry queue without success.
	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_queue_dropped_total",
			Help: "Retry queue entries dropped, by reason",
		},
		[]string{"reason"},
	)

	// CircuitTransitionsTotal counts breaker state changes.
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_circuit_transitions_total",
			Help: "Circuit breaker transitions by target state",
		},
		[]string{"to"},
	)

	SuspensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_suspensions_total",
			Help: "Subscriptions automatically suspended after repeated failures",
		},
	)

	// EventsConsumedTotal counts events read off the intake stream.
	EventsConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_consumed_total",
			Help: "Events consumed from the intake stream",
		},
	)
)

const (
	StatusSuccess     = "success"
	StatusFailure     = "failure"
	StatusRateLimited = "rate_limited"
	StatusUnavailable = "unavailable"
	StatusSkipped     = "skipped"

	DropExhausted    = "exhausted"
	DropOverflow     = "overflow"
	DropNonRetryable = "non_retryable"
)
