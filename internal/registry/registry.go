// Package registry owns subscription configuration: creation with defaults
// and validation, section-level updates, suspension, secret rotation, and
// resolving which subscriptions an event should reach.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/health"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/signing"
	"github.com/zachbroad/webhook-engine/internal/store"
)

type Registry struct {
	store      store.Store
	log        *zap.Logger
	auditor    Auditor
	validate   *validator.Validate
	conditions *programCache
	now        func() time.Time
	// timeoutMs is applied to requests registered without a timeout.
	timeoutMs int64
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithAuditor(a Auditor) Option {
	return func(r *Registry) { r.auditor = a }
}

// WithDefaultTimeout overrides the request timeout given to subscriptions
// that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeoutMs = d.Milliseconds() }
}

func New(s store.Store, log *zap.Logger, opts ...Option) *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	r := &Registry{
		store:      s,
		log:        log.Named("registry"),
		validate:   v,
		conditions: newProgramCache(),
		now:        time.Now,
		timeoutMs:  DefaultTimeoutMs,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.auditor == nil {
		r.auditor = NewLogAuditor(log)
	}
	return r
}

// Register validates cfg, fills defaults and persists a new subscription. An
// HMAC subscription without a secret gets a generated one.
func (r *Registry) Register(ctx context.Context, cfg Config) (*model.Subscription, error) {
	now := r.now()
	sub := &model.Subscription{
		ID:             uuid.New(),
		TenantID:       cfg.TenantID,
		OrganizationID: cfg.OrganizationID,
		Name:           cfg.Name,
		Description:    cfg.Description,
		TargetURL:      cfg.TargetURL,
		Events:         cfg.Events,
		Request:        DefaultRequest(),
		Auth:           DefaultAuth(),
		Retry:          DefaultRetry(),
		CircuitBreaker: DefaultCircuitBreaker(),
		Transformation: model.Transformation{Format: model.FormatJSON},
		Status: model.Status{
			State:  model.StateActive,
			Health: model.Health{Status: model.HealthHealthy, LastChecked: now},
		},
		Statistics: model.Statistics{SuccessRate: 1},
		Queue:      model.DeliveryQueue{MaxQueueSize: maxQueueSize(cfg.MaxQueueSize)},
		History:    []model.DeliveryRecord{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if cfg.State != "" {
		sub.Status.State = cfg.State
	}
	sub.Request.TimeoutMs = r.timeoutMs
	if cfg.Request != nil {
		sub.Request = cfg.Request.apply(sub.Request)
	}
	if cfg.Auth != nil {
		sub.Auth = cloneAuth(*cfg.Auth)
	}
	if cfg.Retry != nil {
		sub.Retry = cfg.Retry.apply(sub.Retry)
	}
	if cfg.RateLimit != nil {
		sub.RateLimit = rateLimitPolicy(*cfg.RateLimit, model.RateLimitPolicy{})
	}
	if cfg.CircuitBreaker != nil {
		sub.CircuitBreaker = cfg.CircuitBreaker.apply(sub.CircuitBreaker)
	}
	if cfg.Transformation != nil {
		sub.Transformation = *cfg.Transformation
	}

	if err := r.normalize(sub); err != nil {
		return nil, err
	}
	if sub.Status.State == model.StateSuspended {
		return nil, model.Invalid("state", "use suspend to suspend a subscription")
	}
	if err := r.validateSubscription(sub); err != nil {
		return nil, err
	}

	if err := r.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("register subscription: %w", err)
	}
	r.log.Info("subscription registered",
		zap.Stringer("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("organization_id", sub.OrganizationID),
		zap.String("target_url", sub.TargetURL),
	)
	return sub, nil
}

func (r *Registry) normalize(sub *model.Subscription) error {
	if sub.Request.TimeoutMs == 0 && r.timeoutMs > 0 {
		sub.Request.TimeoutMs = r.timeoutMs
	}
	normalizeRequest(&sub.Request)
	normalizeRetry(&sub.Retry)
	normalizeCircuit(&sub.CircuitBreaker)
	normalizeTransformation(&sub.Transformation)
	return normalizeAuth(&sub.Auth)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, f store.Filter) ([]model.Subscription, error) {
	return r.store.List(ctx, f)
}

func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.auditor.Audit(ctx, AuditEntry{
		SubscriptionID: id,
		TenantID:       sub.TenantID,
		OrganizationID: sub.OrganizationID,
		Action:         AuditDelete,
		At:             r.now(),
	})
	return nil
}

// Update applies p and re-validates the result. Changes to the target URL or
// auth config are reported to the auditor.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p Patch) (*model.Subscription, error) {
	var security []string
	updated, err := r.store.Update(ctx, id, func(sub *model.Subscription) error {
		security = nil

		if p.Name != nil {
			sub.Name = *p.Name
		}
		if p.Description != nil {
			sub.Description = *p.Description
		}
		if p.TargetURL != nil && *p.TargetURL != sub.TargetURL {
			sub.TargetURL = *p.TargetURL
			security = append(security, "target_url")
		}
		if p.Request != nil {
			sub.Request = p.Request.apply(sub.Request)
		}
		if p.Events != nil {
			sub.Events = *p.Events
		}
		if p.Auth != nil {
			auth := mergeAuth(sub.Auth, *p.Auth)
			if err := normalizeAuth(&auth); err != nil {
				return err
			}
			if !reflect.DeepEqual(auth, sub.Auth) {
				security = append(security, "auth")
			}
			sub.Auth = auth
		}
		if p.Retry != nil {
			sub.Retry = p.Retry.apply(sub.Retry)
		}
		if p.RateLimit != nil {
			sub.RateLimit = rateLimitPolicy(*p.RateLimit, sub.RateLimit)
		}
		if p.CircuitBreaker != nil {
			sub.CircuitBreaker = p.CircuitBreaker.apply(sub.CircuitBreaker)
		}
		if p.Transformation != nil {
			sub.Transformation = *p.Transformation
		}
		if p.MaxQueueSize != nil {
			sub.Queue.MaxQueueSize = maxQueueSize(*p.MaxQueueSize)
			if over := len(sub.Queue.Items) - sub.Queue.MaxQueueSize; over > 0 {
				sub.Queue.Items = append(sub.Queue.Items[:0:0], sub.Queue.Items[over:]...)
			}
		}
		if p.State != nil {
			if err := setState(sub, *p.State); err != nil {
				return err
			}
		}

		if err := r.normalize(sub); err != nil {
			return err
		}
		return r.validateSubscription(sub)
	})
	if err != nil {
		return nil, err
	}

	if len(security) > 0 {
		r.auditor.Audit(ctx, AuditEntry{
			SubscriptionID: updated.ID,
			TenantID:       updated.TenantID,
			OrganizationID: updated.OrganizationID,
			Action:         AuditUpdate,
			Fields:         security,
			At:             r.now(),
		})
	}
	return updated, nil
}

func setState(sub *model.Subscription, state model.State) error {
	if state == sub.Status.State {
		return nil
	}
	switch state {
	case model.StateSuspended:
		return model.Invalid("state", "use suspend to suspend a subscription")
	case model.StateActive:
		if sub.Status.Suspension.Suspended {
			health.Resume(sub)
		}
	}
	sub.Status.State = state
	return nil
}

// Suspend stops deliveries until Resume, or until until when it is set.
func (r *Registry) Suspend(ctx context.Context, id uuid.UUID, reason string, until *time.Time) (*model.Subscription, error) {
	now := r.now()
	if until != nil && !until.After(now) {
		return nil, model.Invalid("until", "must be in the future")
	}
	sub, err := r.store.Update(ctx, id, func(sub *model.Subscription) error {
		health.Suspend(sub, reason, until, until != nil, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("subscription suspended", zap.Stringer("subscription_id", id), zap.String("reason", reason))
	return sub, nil
}

func (r *Registry) Resume(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := r.store.Update(ctx, id, func(sub *model.Subscription) error {
		health.Resume(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("subscription resumed", zap.Stringer("subscription_id", id))
	return sub, nil
}

// RotateSecret replaces the HMAC secret of an hmac subscription.
func (r *Registry) RotateSecret(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := r.store.Update(ctx, id, func(sub *model.Subscription) error {
		if sub.Auth.Method != model.AuthHMAC || sub.Auth.HMAC == nil {
			return model.Invalid("auth.method", "secret rotation requires hmac")
		}
		secret, err := signing.GenerateSecret()
		if err != nil {
			return err
		}
		sub.Auth.HMAC.Secret = secret
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.auditor.Audit(ctx, AuditEntry{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		OrganizationID: sub.OrganizationID,
		Action:         AuditRotateSecret,
		Fields:         []string{"auth.hmac.secret"},
		At:             r.now(),
	})
	return sub, nil
}

// FindMatching returns the deliverable subscriptions of a tenant and
// organization that listen to eventType. Both scope ids are required.
func (r *Registry) FindMatching(ctx context.Context, tenantID, organizationID, eventType string) ([]model.Subscription, error) {
	if tenantID == "" {
		return nil, model.Invalid("tenant_id", "is required")
	}
	if organizationID == "" {
		return nil, model.Invalid("organization_id", "is required")
	}
	subs, err := r.store.List(ctx, store.Filter{TenantID: tenantID, OrganizationID: organizationID})
	if err != nil {
		return nil, fmt.Errorf("find matching subscriptions: %w", err)
	}
	now := r.now()
	var matched []model.Subscription
	for i := range subs {
		sub := &subs[i]
		if health.Available(sub, now) && Subscribes(sub, eventType) {
			matched = append(matched, *sub)
		}
	}
	return matched, nil
}

// MatchEvent is FindMatching plus each subscription's include/exclude
// patterns and conditions. A subscription whose condition fails to evaluate
// is skipped.
func (r *Registry) MatchEvent(ctx context.Context, event model.Event) ([]model.Subscription, error) {
	subs, err := r.FindMatching(ctx, event.TenantID, event.OrganizationID, event.Type)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for i := range subs {
		ok, err := r.conditions.accepts(&subs[i], event)
		if err != nil {
			r.log.Warn("event filter failed",
				zap.Stringer("subscription_id", subs[i].ID),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			matched = append(matched, subs[i])
		}
	}
	return matched, nil
}

// mergeAuth returns next with redacted or omitted secrets carried over from
// cur when the method is unchanged.
func mergeAuth(cur, next model.AuthConfig) model.AuthConfig {
	next = cloneAuth(next)
	if next.Method != cur.Method {
		return next
	}
	keep := func(incoming, existing string) string {
		if incoming == "" || incoming == model.RedactedSecret {
			return existing
		}
		return incoming
	}
	if next.Basic != nil && cur.Basic != nil {
		b := *next.Basic
		b.Password = keep(b.Password, cur.Basic.Password)
		next.Basic = &b
	}
	if next.Bearer != nil && cur.Bearer != nil {
		next.Bearer = &model.BearerAuth{Token: keep(next.Bearer.Token, cur.Bearer.Token)}
	}
	if next.HMAC != nil && cur.HMAC != nil {
		h := *next.HMAC
		h.Secret = keep(h.Secret, cur.HMAC.Secret)
		next.HMAC = &h
	}
	if next.OAuth2 != nil && cur.OAuth2 != nil {
		o := *next.OAuth2
		o.ClientSecret = keep(o.ClientSecret, cur.OAuth2.ClientSecret)
		next.OAuth2 = &o
	}
	if next.Custom != nil && cur.Custom != nil {
		custom := make(map[string]string, len(next.Custom))
		for k, v := range next.Custom {
			custom[k] = keep(v, cur.Custom[k])
		}
		next.Custom = custom
	}
	return next
}

func cloneAuth(a model.AuthConfig) model.AuthConfig {
	if a.Basic != nil {
		b := *a.Basic
		a.Basic = &b
	}
	if a.Bearer != nil {
		b := *a.Bearer
		a.Bearer = &b
	}
	if a.HMAC != nil {
		h := *a.HMAC
		a.HMAC = &h
	}
	if a.OAuth2 != nil {
		o := *a.OAuth2
		o.Scopes = append([]string(nil), o.Scopes...)
		a.OAuth2 = &o
	}
	if a.Custom != nil {
		custom := make(map[string]string, len(a.Custom))
		for k, v := range a.Custom {
			custom[k] = v
		}
		a.Custom = custom
	}
	return a
}

// rateLimitPolicy takes the configured ceilings from p and the live windows
// from cur.
func rateLimitPolicy(p, cur model.RateLimitPolicy) model.RateLimitPolicy {
	return model.RateLimitPolicy{
		Enabled:   p.Enabled,
		PerSecond: p.PerSecond,
		PerMinute: p.PerMinute,
		PerHour:   p.PerHour,
		PerDay:    p.PerDay,
		Exceeded:  cur.Exceeded,
		Second:    cur.Second,
		Minute:    cur.Minute,
		Hour:      cur.Hour,
		Day:       cur.Day,
	}
}
