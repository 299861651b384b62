package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zachbroad/webhook-engine/internal/bus"
	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/store"
)

// Dispatcher fans a consumed event out to its subscriptions.
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) ([]delivery.Result, error)
}

// QueueProcessor drains retry queues and lifts expired suspensions.
type QueueProcessor interface {
	ProcessReady(ctx context.Context, subID uuid.UUID) (delivery.Sweep, error)
	ResumeDue(ctx context.Context, subID uuid.UUID) (bool, error)
}

type Options struct {
	Stream        string
	Group         string
	Concurrency   int
	SweepInterval time.Duration
	// SweepConcurrency bounds how many queues are drained at once.
	SweepConcurrency int
	// Block is how long each stream read waits for new messages.
	Block time.Duration
	// ClaimIdle is how long a message may sit unacknowledged with another
	// consumer before this worker takes it over.
	ClaimIdle time.Duration
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 8
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = time.Minute
	}
}

// FanoutWorker consumes the event stream and periodically sweeps every
// subscription with queued retries.
type FanoutWorker struct {
	rdb        redis.UniversalClient
	dispatcher Dispatcher
	queues     QueueProcessor
	store      store.Store
	log        *zap.Logger
	opts       Options
}

func New(rdb redis.UniversalClient, d Dispatcher, q QueueProcessor, s store.Store, log *zap.Logger, opts Options) *FanoutWorker {
	opts.defaults()
	return &FanoutWorker{
		rdb:        rdb,
		dispatcher: d,
		queues:     q,
		store:      s,
		log:        log.Named("worker"),
		opts:       opts,
	}
}

// Run blocks until ctx is done.
func (w *FanoutWorker) Run(ctx context.Context) error {
	host, _ := os.Hostname()
	consumers := make([]*bus.Consumer, w.opts.Concurrency)
	for i := range consumers {
		name := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		consumers[i] = bus.NewConsumer(w.rdb, w.opts.Stream, w.opts.Group, name, w.log, bus.WithBlock(w.opts.Block))
	}
	if err := consumers[0].Ensure(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(ctx, w.handle) })
	}
	g.Go(func() error {
		w.every(ctx, w.opts.ClaimIdle, func(ctx context.Context) {
			if n, err := consumers[0].Reclaim(ctx, w.opts.ClaimIdle, w.handle); err != nil {
				w.log.Error("reclaim pending events failed", zap.Error(err))
			} else if n > 0 {
				w.log.Info("reclaimed pending events", zap.Int("count", n))
			}
		})
		return nil
	})
	g.Go(func() error {
		w.every(ctx, w.opts.SweepInterval, func(ctx context.Context) {
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("sweep failed", zap.Error(err))
			}
		})
		return nil
	})

	w.log.Info("fan-out worker started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("sweep_interval", w.opts.SweepInterval),
	)
	return g.Wait()
}

func (w *FanoutWorker) handle(ctx context.Context, event model.Event) error {
	results, err := w.dispatcher.Dispatch(ctx, event)
	if errors.Is(err, model.ErrValidation) {
		// redelivery cannot fix it, so let the message be acked
		w.log.Warn("discarding unroutable event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return nil
	}
	if err != nil {
		return err
	}
	w.log.Debug("event dispatched",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscriptions", len(results)),
	)
	return nil
}

func (w *FanoutWorker) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Queues    int
	Attempted int
	Resumed   int
}

// Sweep drains the due entries of every non-empty retry queue and lifts
// suspensions whose auto-resume time has passed. A subscription with queued
// retries is probed here even when no new events arrive, which is what moves
// an open circuit to half-open.
func (w *FanoutWorker) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	all, err := w.store.List(ctx, store.Filter{})
	if err != nil {
		return stats, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range all {
		if !sub.Status.Suspension.Suspended {
			continue
		}
		ok, err := w.queues.ResumeDue(ctx, sub.ID)
		if err != nil {
			w.log.Error("auto-resume failed", zap.Stringer("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if ok {
			stats.Resumed++
		}
	}

	subs, err := w.store.List(ctx, store.Filter{WithQueue: true})
	if err != nil {
		return stats, fmt.Errorf("list queued subscriptions: %w", err)
	}
	stats.Queues = len(subs)

	results := make([]delivery.Sweep, len(subs))
	g := new(errgroup.Group)
	g.SetLimit(w.opts.SweepConcurrency)
	for i, sub := range subs {
		g.Go(func() error {
			res, err := w.queues.ProcessReady(ctx, sub.ID)
			if err != nil {
				w.log.Error("process retry queue failed", zap.Stringer("subscription_id", sub.ID), zap.Error(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		stats.Attempted += r.Attempted
	}
	if stats.Attempted > 0 || stats.Resumed > 0 {
		w.log.Info("sweep finished",
			zap.Int("queues", stats.Queues),
			zap.Int("attempted", stats.Attempted),
			zap.Int("resumed", stats.Resumed),
		)
	}
	return stats, ctx.Err()
}
