package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/health"
	"github.com/zachbroad/webhook-engine/internal/metrics"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/retry"
)

// Sweep summarizes one pass over a subscription's retry queue.
type Sweep struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Skipped is set when another worker held the queue or nothing was due.
	Skipped bool `json:"skipped"`
}

// ProcessReady retries the due entries of a subscription's queue in order.
// Only one caller processes a queue at a time; a lease left behind by a
// crashed worker expires after the configured lease duration. The pass stops
// early when the subscription becomes unavailable or rate limited.
func (e *Executor) ProcessReady(ctx context.Context, subID uuid.UUID) (Sweep, error) {
	var (
		sweep Sweep
		due   []model.QueueEntry
	)

	_, err := e.store.Update(ctx, subID, func(sub *model.Subscription) error {
		now := e.now()
		due = retry.Ready(sub.Queue, now)
		if len(due) == 0 || !retry.Acquire(&sub.Queue, now, e.lease) {
			due = nil
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		sweep.Skipped = true
		return sweep, nil
	}
	if err != nil {
		return sweep, fmt.Errorf("acquire queue: %w", err)
	}

	defer e.release(ctx, subID)

	for _, entry := range due {
		if ctx.Err() != nil {
			return sweep, ctx.Err()
		}
		res, err := e.Deliver(ctx, subID, entry.Event)
		if err != nil {
			if refused(err) {
				e.log.Debug("queue pass stopped",
					zap.Stringer("subscription_id", subID),
					zap.String("reason", res.Status),
				)
				break
			}
			return sweep, err
		}
		if res.Status == metrics.StatusSkipped {
			continue
		}
		sweep.Attempted++
		if res.Success {
			sweep.Succeeded++
		} else {
			sweep.Failed++
		}
	}
	return sweep, nil
}

func (e *Executor) release(ctx context.Context, id uuid.UUID) {
	_, err := e.store.Update(context.WithoutCancel(ctx), id, func(sub *model.Subscription) error {
		retry.Release(&sub.Queue)
		return nil
	})
	if err != nil {
		e.log.Error("failed to release queue",
			zap.Stringer("subscription_id", id),
			zap.Error(err),
		)
	}
}

// ResumeDue lifts the subscription's suspension if its auto-resume time has
// passed, reporting whether it did.
func (e *Executor) ResumeDue(ctx context.Context, subID uuid.UUID) (bool, error) {
	_, err := e.store.Update(ctx, subID, func(sub *model.Subscription) error {
		if !health.ResumeIfDue(sub, e.now()) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resume subscription: %w", err)
	}
	e.log.Info("subscription resumed after suspension", zap.Stringer("subscription_id", subID))
	return true, nil
}
