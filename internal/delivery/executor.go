// Package delivery sends events to subscription endpoints and folds each
// outcome back into the subscription: health, circuit breaker, rate limit
// and retry queue.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/circuit"
	"github.com/zachbroad/webhook-engine/internal/health"
	"github.com/zachbroad/webhook-engine/internal/metrics"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/ratelimit"
	"github.com/zachbroad/webhook-engine/internal/retry"
	"github.com/zachbroad/webhook-engine/internal/signing"
	"github.com/zachbroad/webhook-engine/internal/store"
	"github.com/zachbroad/webhook-engine/internal/transform"
)

const (
	UserAgent = "webhook-engine/1.0"

	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderAttempt   = "X-Webhook-Attempt"

	// responses are drained up to this many bytes so connections can be reused
	maxBodyLen = 4096

	defaultLease = 5 * time.Minute
)

// errNoChange aborts a store update that only inspected the subscription.
var errNoChange = errors.New("no change")

// Signer produces the authentication headers for a request body.
type Signer interface {
	Sign(ctx context.Context, sub *model.Subscription, body []byte) (signing.Augmentation, error)
}

// Result is the outcome of handing one event to one subscription.
type Result struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	Status         string    `json:"status"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	// Queued is set when the failure was scheduled for another attempt.
	Queued bool `json:"queued,omitempty"`
}

type Executor struct {
	store   store.Store
	signer  Signer
	clients *clientPool
	log     *zap.Logger
	now     func() time.Time
	rand    retry.Rand
	lease   time.Duration
}

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRand replaces the jitter source used when scheduling retries.
func WithRand(rnd retry.Rand) Option {
	return func(e *Executor) { e.rand = rnd }
}

// WithLease sets how long a queue lease is honoured before another worker
// may take it over.
func WithLease(d time.Duration) Option {
	return func(e *Executor) { e.lease = d }
}

func NewExecutor(s store.Store, signer Signer, log *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:   s,
		signer:  signer,
		clients: newClientPool(),
		log:     log.Named("delivery"),
		now:     time.Now,
		rand:    retry.DefaultRand,
		lease:   defaultLease,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends event to the subscription and records the outcome. The
// returned error is non-nil only when no HTTP call was made: the
// subscription is missing, unavailable, or over its rate limit. A failed
// HTTP call is reported through the Result.
func (e *Executor) Deliver(ctx context.Context, subID uuid.UUID, event model.Event) (Result, error) {
	res := Result{SubscriptionID: subID, EventID: event.ID}

	sub, attempt, err := e.admit(ctx, subID, event.ID)
	if err != nil {
		res.Error = err.Error()
		switch {
		case errors.Is(err, model.ErrRateLimitExceeded):
			res.Status = metrics.StatusRateLimited
		case errors.Is(err, model.ErrWebhookUnavailable):
			res.Status = metrics.StatusUnavailable
		default:
			res.Status = metrics.StatusFailure
			return res, err
		}
		metrics.DeliveriesTotal.WithLabelValues(subID.String(), res.Status).Inc()
		e.log.Debug("delivery refused",
			zap.Stringer("subscription_id", subID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return res, err
	}
	res.Attempt = attempt

	a, dropped := e.send(ctx, sub, event, attempt)
	if dropped {
		res.Status = metrics.StatusSkipped
		metrics.DeliveriesTotal.WithLabelValues(subID.String(), res.Status).Inc()
		e.log.Debug("event dropped by transform",
			zap.Stringer("subscription_id", subID),
			zap.String("event_id", event.ID),
		)
		if attempt > 1 {
			e.forget(ctx, subID, event.ID)
		}
		return res, nil
	}

	return e.record(ctx, subID, event, a)
}

// admit runs the pre-flight checks under the subscription's lock and, when
// delivery may proceed, consumes one rate limit unit and returns a snapshot
// to send with plus the attempt number.
func (e *Executor) admit(ctx context.Context, id uuid.UUID, eventID string) (*model.Subscription, int, error) {
	var (
		snapshot *model.Subscription
		attempt  int
		denied   error
		from, to model.CircuitState
	)

	_, err := e.store.Update(ctx, id, func(sub *model.Subscription) error {
		snapshot, attempt, denied = nil, 1, nil
		from, to = "", ""
		now := e.now()

		resumed := health.ResumeIfDue(sub, now)
		if sub.Status.State != model.StateActive || sub.IsSuspended(now) {
			denied = fmt.Errorf("%w: subscription is %s", model.ErrWebhookUnavailable, sub.Status.State)
			if resumed {
				return nil
			}
			return errNoChange
		}

		from = sub.CircuitBreaker.State
		if !circuit.CanAttempt(&sub.CircuitBreaker, now) {
			denied = fmt.Errorf("%w: circuit open until %s", model.ErrWebhookUnavailable,
				sub.CircuitBreaker.NextAttempt.Format(time.RFC3339))
			if resumed {
				return nil
			}
			return errNoChange
		}
		to = sub.CircuitBreaker.State

		// a rejection still persists the window resets and the exceeded flag
		if err := ratelimit.CheckAndConsume(&sub.RateLimit, now); err != nil {
			denied = err
			return nil
		}

		if entry, ok := retry.Find(sub.Queue, eventID); ok {
			attempt = entry.AttemptCount + 1
		}
		snap := *sub
		snapshot = &snap
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return nil, 0, fmt.Errorf("admit delivery: %w", err)
	}

	if to != "" && from != to {
		metrics.CircuitTransitionsTotal.WithLabelValues(string(to)).Inc()
		e.log.Info("circuit breaker probing",
			zap.Stringer("subscription_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	if denied != nil {
		return nil, 0, denied
	}
	return snapshot, attempt, nil
}

// send performs the HTTP call for event. It never touches the store. The
// second return value is true when the transform script discarded the event.
func (e *Executor) send(ctx context.Context, sub *model.Subscription, event model.Event, attempt int) (model.DeliveryAttempt, bool) {
	a := model.DeliveryAttempt{
		EventID:       event.ID,
		EventType:     event.Type,
		AttemptNumber: attempt,
		Timestamp:     e.now(),
		Retryable:     true,
	}
	fail := func(err error, retryable bool) (model.DeliveryAttempt, bool) {
		a.Error = err.Error()
		a.Retryable = retryable
		return a, false
	}

	payload, err := transform.Apply(sub, event)
	if errors.Is(err, transform.ErrDropped) {
		return a, true
	}
	if err != nil {
		return fail(err, false)
	}

	format := model.FormatJSON
	if sub.Transformation.Enabled && sub.Transformation.Format != "" {
		format = sub.Transformation.Format
	}
	body, contentType, err := transform.Encode(format, payload)
	if err != nil {
		return fail(err, false)
	}
	if limit := sub.Request.MaxPayloadSize; limit > 0 && len(body) > limit {
		return fail(fmt.Errorf("payload of %d bytes exceeds limit of %d", len(body), limit), false)
	}

	aug, err := e.signer.Sign(ctx, sub, body)
	if err != nil {
		return fail(err, !errors.Is(err, model.ErrConfiguration))
	}

	wire := body
	if sub.Request.Compression == "gzip" {
		if wire, err = compress(body); err != nil {
			return fail(err, false)
		}
	}

	timeout := sub.Request.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := sub.Request.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, sub.TargetURL, bytes.NewReader(wire))
	if err != nil {
		return fail(err, false)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderID, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(a.Timestamp.Unix(), 10))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	for k, v := range sub.Request.Headers {
		req.Header.Set(k, v)
	}
	if sub.Request.Compression == "gzip" {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range aug.Headers {
		req.Header.Set(k, v)
	}
	if aug.BasicAuth != nil {
		req.SetBasicAuth(aug.BasicAuth.Username, aug.BasicAuth.Password)
	}

	start := time.Now()
	resp, err := e.clients.get(sub.Request.TLS).Do(req)
	a.Latency = time.Since(start)
	metrics.DeliveryLatency.Observe(a.Latency.Seconds())
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("request timed out after %s", timeout), true)
		}
		return fail(err, true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyLen))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Success = true
		a.Retryable = false
		return a, false
	}
	a.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	a.Retryable = retry.Retryable(sub.Retry, resp.StatusCode)
	return a, false
}

// record folds the attempt into the subscription and decides the fate of its
// queue entry. It runs even when ctx was cancelled mid-request.
func (e *Executor) record(ctx context.Context, id uuid.UUID, event model.Event, a model.DeliveryAttempt) (Result, error) {
	var (
		out     health.Outcome
		enq     retry.EnqueueResult
		dropped bool
	)

	_, err := e.store.Update(context.WithoutCancel(ctx), id, func(sub *model.Subscription) error {
		enq, dropped = retry.EnqueueResult{}, false
		now := e.now()
		out = health.Record(sub, a, now)
		switch {
		case a.Success:
			retry.Remove(&sub.Queue, event.ID)
		case a.Retryable && sub.Retry.Enabled:
			enq = retry.Enqueue(&sub.Queue, sub.Retry, event, a.Error, now, e.rand)
		default:
			dropped = retry.Remove(&sub.Queue, event.ID)
		}
		return nil
	})

	res := Result{
		SubscriptionID: id,
		EventID:        event.ID,
		Success:        a.Success,
		StatusCode:     a.StatusCode,
		Attempt:        a.AttemptNumber,
		LatencyMs:      a.Latency.Milliseconds(),
		Error:          a.Error,
		Queued:         enq.Entry != nil,
		Status:         metrics.StatusFailure,
	}
	if a.Success {
		res.Status = metrics.StatusSuccess
	}
	if err != nil {
		return res, fmt.Errorf("record delivery: %w", err)
	}

	e.observe(id, event, a, out, enq, dropped)
	return res, nil
}

func (e *Executor) observe(id uuid.UUID, event model.Event, a model.DeliveryAttempt, out health.Outcome, enq retry.EnqueueResult, dropped bool) {
	status := metrics.StatusFailure
	if a.Success {
		status = metrics.StatusSuccess
	}
	metrics.DeliveriesTotal.WithLabelValues(id.String(), status).Inc()
	if a.AttemptNumber > 1 {
		metrics.RetriesTotal.Inc()
	}

	fields := []zap.Field{
		zap.Stringer("subscription_id", id),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("attempt", a.AttemptNumber),
		zap.Int("status_code", a.StatusCode),
		zap.Duration("latency", a.Latency),
	}
	if a.Success {
		e.log.Debug("delivered", fields...)
	} else {
		e.log.Warn("delivery failed", append(fields, zap.String("error", a.Error))...)
	}

	if out.CircuitChanged() {
		metrics.CircuitTransitionsTotal.WithLabelValues(string(out.CircuitTo)).Inc()
		e.log.Info("circuit breaker changed state",
			zap.Stringer("subscription_id", id),
			zap.String("from", string(out.CircuitFrom)),
			zap.String("to", string(out.CircuitTo)),
		)
	}
	if out.Suspended {
		metrics.SuspensionsTotal.Inc()
		e.log.Warn("subscription suspended",
			zap.Stringer("subscription_id", id),
			zap.String("reason", health.AutoSuspendReason),
			zap.Duration("for", health.SuspendFor),
		)
	}
	if enq.Exhausted {
		metrics.QueueDroppedTotal.WithLabelValues(metrics.DropExhausted).Inc()
		e.log.Warn("retries exhausted",
			zap.Stringer("subscription_id", id),
			zap.String("event_id", event.ID),
			zap.Int("attempts", a.AttemptNumber),
		)
	}
	if enq.Trimmed > 0 {
		metrics.QueueDroppedTotal.WithLabelValues(metrics.DropOverflow).Add(float64(enq.Trimmed))
		e.log.Warn("retry queue full, dropped oldest entries",
			zap.Stringer("subscription_id", id),
			zap.Int("dropped", enq.Trimmed),
		)
	}
	if dropped {
		metrics.QueueDroppedTotal.WithLabelValues(metrics.DropNonRetryable).Inc()
	}
}

// forget removes a queued event that will never be sent again.
func (e *Executor) forget(ctx context.Context, id uuid.UUID, eventID string) {
	_, err := e.store.Update(context.WithoutCancel(ctx), id, func(sub *model.Subscription) error {
		if !retry.Remove(&sub.Queue, eventID) {
			return errNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		e.log.Error("failed to remove queued event",
			zap.Stringer("subscription_id", id),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}
