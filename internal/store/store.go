// Package store persists subscriptions and serializes every mutation of a
// single subscription. Updates to different subscriptions never contend.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// MutateFunc changes a subscription in place. Returning an error aborts the
// update and nothing is written.
type MutateFunc func(sub *model.Subscription) error

type Store interface {
	Create(ctx context.Context, sub *model.Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	List(ctx context.Context, f Filter) ([]model.Subscription, error)
	// Update runs fn under the subscription's lock and persists the result
	// with Version incremented.
	Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID       string
	OrganizationID string
	// WithQueue limits results to subscriptions holding queued retries.
	WithQueue bool
}

func (f Filter) match(sub *model.Subscription) bool {
	if f.TenantID != "" && sub.TenantID != f.TenantID {
		return false
	}
	if f.OrganizationID != "" && sub.OrganizationID != f.OrganizationID {
		return false
	}
	if f.WithQueue && len(sub.Queue.Items) == 0 {
		return false
	}
	return true
}

func encode(sub *model.Subscription) ([]byte, error) {
	b, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode subscription: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*model.Subscription, error) {
	var sub model.Subscription
	if err := json.Unmarshal(b, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}

// apply runs fn on sub and stamps the new version. It is shared by every
// backend so the bookkeeping stays identical.
func apply(sub *model.Subscription, fn MutateFunc, now time.Time) error {
	id, created := sub.ID, sub.CreatedAt
	if err := fn(sub); err != nil {
		return err
	}
	sub.ID, sub.CreatedAt = id, created
	sub.Version++
	sub.UpdatedAt = now
	return nil
}
