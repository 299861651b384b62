package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/model"
)

const TestEventType = "webhook.test"

// Test sends a synthetic event through the subscription's transform, signing
// and HTTP path regardless of its state, breaker or rate limit. Only the
// validation result is stored; statistics and the retry queue are untouched.
func (e *Executor) Test(ctx context.Context, subID uuid.UUID) (*model.DeliveryRecord, error) {
	sub, err := e.store.Get(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	event := model.Event{
		ID:             "test_" + uuid.NewString(),
		Type:           TestEventType,
		TenantID:       sub.TenantID,
		OrganizationID: sub.OrganizationID,
		Data: map[string]any{
			"message":         "This is a test event",
			"subscription_id": sub.ID.String(),
			"timestamp":       now.UTC().Format(time.RFC3339),
		},
		ProducedAt: now,
	}

	a, dropped := e.send(ctx, sub, event, 1)
	rec := &model.DeliveryRecord{
		ID:         uuid.New(),
		EventID:    event.ID,
		EventType:  event.Type,
		Attempt:    1,
		Timestamp:  a.Timestamp,
		Success:    a.Success,
		StatusCode: a.StatusCode,
		LatencyMs:  a.Latency.Milliseconds(),
		Error:      a.Error,
	}
	if dropped {
		rec.Error = "test event dropped by transform script"
	}

	_, err = e.store.Update(context.WithoutCancel(ctx), subID, func(sub *model.Subscription) error {
		tested := e.now()
		r := *rec
		sub.Validation.TestEndpoint = model.TestEndpoint{LastTested: &tested, TestResult: &r}
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("store test result: %w", err)
	}

	e.log.Info("endpoint tested",
		zap.Stringer("subscription_id", subID),
		zap.Bool("success", rec.Success),
		zap.Int("status_code", rec.StatusCode),
		zap.String("error", rec.Error),
	)
	return rec, nil
}
