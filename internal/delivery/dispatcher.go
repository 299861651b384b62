package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zachbroad/webhook-engine/internal/model"
)

const DefaultConcurrency = 16

// Matcher resolves the subscriptions an event should reach.
type Matcher interface {
	MatchEvent(ctx context.Context, event model.Event) ([]model.Subscription, error)
}

// Dispatcher fans an event out to every matching subscription.
type Dispatcher struct {
	matcher     Matcher
	exec        *Executor
	log         *zap.Logger
	concurrency int
}

func NewDispatcher(m Matcher, exec *Executor, log *zap.Logger, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		matcher:     m,
		exec:        exec,
		log:         log.Named("dispatch"),
		concurrency: concurrency,
	}
}

// Dispatch delivers event to each matching subscription concurrently. One
// subscription's failure never affects another's. If ctx ends first the
// results gathered so far are returned with ctx's error; deliveries already
// started run to completion and still record their outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.Event) ([]Result, error) {
	event = Produced(event, d.exec.now())

	subs, err := d.matcher.MatchEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("match event %s: %w", event.ID, err)
	}
	if len(subs) == 0 {
		d.log.Debug("no subscriptions matched",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("tenant_id", event.TenantID),
		)
		return nil, nil
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(subs))
	)
	bg := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sub := range subs {
			g.Go(func() error {
				res, err := d.exec.Deliver(bg, sub.ID, event)
				if err != nil && !refused(err) {
					d.log.Error("delivery error",
						zap.Stringer("subscription_id", sub.ID),
						zap.String("event_id", event.ID),
						zap.Error(err),
					)
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		mu.Lock()
		partial := append([]Result(nil), results...)
		mu.Unlock()
		return partial, ctx.Err()
	}
}

// refused reports whether err is an expected pre-flight refusal rather than
// a fault worth logging.
func refused(err error) bool {
	return errors.Is(err, model.ErrWebhookUnavailable) ||
		errors.Is(err, model.ErrRateLimitExceeded) ||
		errors.Is(err, model.ErrNotFound)
}

// Produced stamps a new event with an ID and production time.
func Produced(event model.Event, now time.Time) model.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ProducedAt.IsZero() {
		event.ProducedAt = now
	}
	return event
}
