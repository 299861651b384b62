package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/signing"
	"github.com/zachbroad/webhook-engine/internal/store"
)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAuditor) Audit(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

var t0 = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *recordingAuditor, *time.Time) {
	t.Helper()
	now := t0
	audit := &recordingAuditor{}
	r := New(store.NewMemoryStore(), zaptest.NewLogger(t),
		WithClock(func() time.Time { return now }),
		WithAuditor(audit),
	)
	return r, audit, &now
}

func baseConfig() Config {
	return Config{
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Name:           "payments",
		TargetURL:      "https://hooks.example.com/payments",
		Events:         model.EventFilter{Subscribed: []string{"payment.succeeded"}},
	}
}

func TestRegister_Defaults(t *testing.T) {
	r, _, _ := newRegistry(t)

	sub, err := r.Register(context.Background(), baseConfig())
	require.NoError(t, err)

	assert.Equal(t, model.StateActive, sub.Status.State)
	assert.Equal(t, model.HealthHealthy, sub.Status.Health.Status)
	assert.Equal(t, "POST", sub.Request.Method)
	assert.EqualValues(t, DefaultTimeoutMs, sub.Request.TimeoutMs)
	assert.Equal(t, model.AuthHMAC, sub.Auth.Method)
	require.NotNil(t, sub.Auth.HMAC)
	assert.True(t, strings.HasPrefix(sub.Auth.HMAC.Secret, "whsec_"))
	assert.Equal(t, signing.DefaultHeader, sub.Auth.HMAC.Header)
	assert.Equal(t, model.CircuitClosed, sub.CircuitBreaker.State)
	assert.Equal(t, 1.0, sub.Statistics.SuccessRate)
	assert.Equal(t, 1000, sub.Queue.MaxQueueSize)
	assert.Equal(t, t0, sub.CreatedAt)

	stored, err := r.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Auth.HMAC.Secret, stored.Auth.HMAC.Secret)
}

func TestRegister_HMACSecretKeptWhenSupplied(t *testing.T) {
	r, _, _ := newRegistry(t)
	cfg := baseConfig()
	cfg.Auth = &model.AuthConfig{Method: model.AuthHMAC, HMAC: &model.HMACAuth{Secret: "mine", Algorithm: "sha512"}}

	sub, err := r.Register(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "mine", sub.Auth.HMAC.Secret)
	assert.Equal(t, "sha512", sub.Auth.HMAC.Algorithm)
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"no events", func(c *Config) { c.Events = model.EventFilter{} }, "events"},
		{"categories only is fine", func(c *Config) { c.Events = model.EventFilter{Categories: []string{"payment"}} }, ""},
		{"bad scheme", func(c *Config) { c.TargetURL = "ftp://example.com" }, "target_url"},
		{"no host", func(c *Config) { c.TargetURL = "https://" }, "target_url"},
		{"missing url", func(c *Config) { c.TargetURL = "" }, "target_url"},
		{"missing tenant", func(c *Config) { c.TenantID = "" }, "tenant_id"},
		{"bad method", func(c *Config) { c.Request = &RequestSettings{Method: "GET"} }, "request.method"},
		{"bearer without token", func(c *Config) { c.Auth = &model.AuthConfig{Method: model.AuthBearer} }, "auth.bearer.token"},
		{"unknown auth", func(c *Config) { c.Auth = &model.AuthConfig{Method: "kerberos"} }, "auth.method"},
		{"bad pattern", func(c *Config) { c.Events.IncludePatterns = []string{"("} }, "events.patterns"},
		{"bad condition", func(c *Config) { c.Events.Conditions = []string{"data.amount >"} }, "events.conditions"},
		{"bad script", func(c *Config) {
			c.Transformation = &model.Transformation{Enabled: true, Script: model.CustomScript{Enabled: true, Body: "var x = 1;"}}
		}, "transformation.script"},
		{"looping script", func(c *Config) {
			c.Transformation = &model.Transformation{Enabled: true, Script: model.CustomScript{Enabled: true, Body: "while(true){}"}}
		}, "transformation.script"},
		{"jitter factor out of range", func(c *Config) {
			c.Retry = &RetrySettings{JitterFactor: 2}
		}, "retry.jitter_factor"},
		{"register suspended", func(c *Config) { c.State = model.StateSuspended }, "state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newRegistry(t)
			cfg := baseConfig()
			tt.mod(&cfg)

			_, err := r.Register(context.Background(), cfg)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, model.ErrValidation)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestFindMatching(t *testing.T) {
	r, _, now := newRegistry(t)
	ctx := context.Background()

	exact, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	byCategory := baseConfig()
	byCategory.Events = model.EventFilter{Categories: []string{"payment"}}
	cat, err := r.Register(ctx, byCategory)
	require.NoError(t, err)

	other := baseConfig()
	other.Events = model.EventFilter{Subscribed: []string{"account.created"}}
	_, err = r.Register(ctx, other)
	require.NoError(t, err)

	otherOrg := baseConfig()
	otherOrg.OrganizationID = "org-2"
	_, err = r.Register(ctx, otherOrg)
	require.NoError(t, err)

	paused := baseConfig()
	paused.State = model.StatePaused
	_, err = r.Register(ctx, paused)
	require.NoError(t, err)

	suspended, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)
	until := now.Add(time.Hour)
	_, err = r.Suspend(ctx, suspended.ID, "maintenance", &until)
	require.NoError(t, err)

	subs, err := r.FindMatching(ctx, "tenant-1", "org-1", "payment.succeeded")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{exact.ID.String(), cat.ID.String()}, ids(subs))

	subs, err = r.FindMatching(ctx, "tenant-1", "org-1", "payment.refunded")
	require.NoError(t, err)
	assert.Equal(t, []string{cat.ID.String()}, ids(subs))

	// auto-resume time passed: the suspended subscription is deliverable again
	*now = now.Add(2 * time.Hour)
	subs, err = r.FindMatching(ctx, "tenant-1", "org-1", "payment.succeeded")
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

func TestFindMatching_RequiresScope(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	_, err = r.FindMatching(ctx, "tenant-1", "", "payment.succeeded")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "organization_id", verr.Field)

	_, err = r.MatchEvent(ctx, model.Event{Type: "payment.succeeded", OrganizationID: "org-1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tenant_id", verr.Field)
}

func TestMatchEvent_PatternsAndConditions(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Events = model.EventFilter{
		Categories:      []string{"payment"},
		ExcludePatterns: []string{`\.test$`},
		Conditions:      []string{`data.amount >= 100`, `category == "payment"`},
	}
	sub, err := r.Register(ctx, cfg)
	require.NoError(t, err)

	event := func(typ string, amount int) model.Event {
		return model.Event{ID: "e", Type: typ, TenantID: "tenant-1", OrganizationID: "org-1", Data: map[string]any{"amount": amount}}
	}

	subs, err := r.MatchEvent(ctx, event("payment.succeeded", 250))
	require.NoError(t, err)
	assert.Equal(t, []string{sub.ID.String()}, ids(subs))

	subs, err = r.MatchEvent(ctx, event("payment.succeeded", 50))
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = r.MatchEvent(ctx, event("payment.test", 500))
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUpdate_AuditsSecurityChanges(t *testing.T) {
	r, audit, _ := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	name := "renamed"
	updated, err := r.Update(ctx, sub.ID, Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Empty(t, audit.entries)

	target := "https://new.example.com/hook"
	updated, err = r.Update(ctx, sub.ID, Patch{
		TargetURL: &target,
		Auth:      &model.AuthConfig{Method: model.AuthBearer, Bearer: &model.BearerAuth{Token: "tok"}},
	})
	require.NoError(t, err)
	assert.Equal(t, target, updated.TargetURL)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, AuditUpdate, audit.entries[0].Action)
	assert.Equal(t, []string{"target_url", "auth"}, audit.entries[0].Fields)
}

func TestUpdate_RedactedSecretKept(t *testing.T) {
	r, audit, _ := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)
	secret := sub.Auth.HMAC.Secret

	redacted := sub.Redacted()
	updated, err := r.Update(ctx, sub.ID, Patch{Auth: &redacted.Auth})
	require.NoError(t, err)
	assert.Equal(t, secret, updated.Auth.HMAC.Secret)
	assert.Empty(t, audit.entries)
}

func TestUpdate_InvalidLeavesStoredCopy(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	bad := "not a url"
	_, err = r.Update(ctx, sub.ID, Patch{TargetURL: &bad})
	require.ErrorIs(t, err, model.ErrValidation)

	got, err := r.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.TargetURL, got.TargetURL)
}

func TestUpdate_KeepsRuntimeState(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	cfg := baseConfig()
	cfg.RateLimit = &model.RateLimitPolicy{Enabled: true, PerMinute: 10}
	sub, err := r.Register(ctx, cfg)
	require.NoError(t, err)

	_, err = r.store.Update(ctx, sub.ID, func(s *model.Subscription) error {
		s.RateLimit.Minute = model.RateLimitWindow{Count: 7, ResetAt: t0.Add(time.Minute)}
		s.CircuitBreaker.State = model.CircuitOpen
		return nil
	})
	require.NoError(t, err)

	updated, err := r.Update(ctx, sub.ID, Patch{
		RateLimit:      &model.RateLimitPolicy{Enabled: true, PerMinute: 20},
		CircuitBreaker: &BreakerSettings{FailureThreshold: 2, TimeoutMs: 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.RateLimit.PerMinute)
	assert.Equal(t, 7, updated.RateLimit.Minute.Count)
	assert.Equal(t, model.CircuitOpen, updated.CircuitBreaker.State)
	assert.Equal(t, 2, updated.CircuitBreaker.FailureThreshold)
}

func TestSuspendResume(t *testing.T) {
	r, _, now := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	past := now.Add(-time.Minute)
	_, err = r.Suspend(ctx, sub.ID, "x", &past)
	require.ErrorIs(t, err, model.ErrValidation)

	suspended, err := r.Suspend(ctx, sub.ID, "manual", nil)
	require.NoError(t, err)
	assert.True(t, suspended.Status.Suspension.Suspended)
	assert.Equal(t, model.StateSuspended, suspended.Status.State)

	resumed, err := r.Resume(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Status.Suspension.Suspended)
	assert.Equal(t, model.StateActive, resumed.Status.State)
}

func TestRotateSecret(t *testing.T) {
	r, audit, _ := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	rotated, err := r.RotateSecret(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sub.Auth.HMAC.Secret, rotated.Auth.HMAC.Secret)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, AuditRotateSecret, audit.entries[0].Action)

	cfg := baseConfig()
	cfg.Auth = &model.AuthConfig{Method: model.AuthNone}
	plain, err := r.Register(ctx, cfg)
	require.NoError(t, err)
	_, err = r.RotateSecret(ctx, plain.ID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDelete(t *testing.T) {
	r, audit, _ := newRegistry(t)
	ctx := context.Background()
	sub, err := r.Register(ctx, baseConfig())
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, sub.ID))
	_, err = r.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, AuditDelete, audit.entries[0].Action)
}

func ids(subs []model.Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID.String()
	}
	return out
}

func TestRegister_DefaultTimeoutOverride(t *testing.T) {
	r := New(store.NewMemoryStore(), zaptest.NewLogger(t), WithDefaultTimeout(5*time.Second))

	sub, err := r.Register(context.Background(), baseConfig())
	require.NoError(t, err)
	assert.EqualValues(t, 5000, sub.Request.TimeoutMs)

	cfg := baseConfig()
	cfg.Request = &RequestSettings{TimeoutMs: 750}
	sub, err = r.Register(context.Background(), cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 750, sub.Request.TimeoutMs)
}

func TestRegister_PartialSectionsKeepDefaults(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	maxRetries := 5
	cfg := baseConfig()
	cfg.Request = &RequestSettings{TimeoutMs: 5000}
	cfg.Retry = &RetrySettings{MaxRetries: &maxRetries}
	cfg.CircuitBreaker = &BreakerSettings{FailureThreshold: 3}

	sub, err := r.Register(ctx, cfg)
	require.NoError(t, err)

	assert.EqualValues(t, 5000, sub.Request.TimeoutMs)
	assert.True(t, sub.Request.TLS.RejectUnauthorized)
	assert.Equal(t, "1.2", sub.Request.TLS.MinVersion)
	assert.Equal(t, "POST", sub.Request.Method)

	assert.True(t, sub.Retry.Enabled)
	assert.True(t, sub.Retry.Jitter)
	assert.Equal(t, 5, sub.Retry.MaxRetries)
	assert.EqualValues(t, DefaultRetry().InitialDelayMs, sub.Retry.InitialDelayMs)

	assert.True(t, sub.CircuitBreaker.Enabled)
	assert.Equal(t, 3, sub.CircuitBreaker.FailureThreshold)
	assert.Equal(t, model.CircuitClosed, sub.CircuitBreaker.State)
}

func TestRegister_ExplicitFlagsAndZeroRetries(t *testing.T) {
	r, _, _ := newRegistry(t)

	zero := 0
	cfg := baseConfig()
	cfg.Request = &RequestSettings{TLS: TLSSettings{RejectUnauthorized: Flag(false)}}
	cfg.Retry = &RetrySettings{MaxRetries: &zero, Jitter: Flag(false)}
	cfg.CircuitBreaker = &BreakerSettings{Enabled: Flag(false)}

	sub, err := r.Register(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, sub.Request.TLS.RejectUnauthorized)
	assert.True(t, sub.Retry.Enabled)
	assert.Zero(t, sub.Retry.MaxRetries)
	assert.False(t, sub.Retry.Jitter)
	assert.False(t, sub.CircuitBreaker.Enabled)
}

func TestUpdate_MergesPolicySections(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Request = &RequestSettings{Method: "PUT", Headers: map[string]string{"X-Env": "prod"}}
	sub, err := r.Register(ctx, cfg)
	require.NoError(t, err)

	updated, err := r.Update(ctx, sub.ID, Patch{
		Request: &RequestSettings{TimeoutMs: 2000},
		Retry:   &RetrySettings{Enabled: Flag(false)},
	})
	require.NoError(t, err)
	assert.Equal(t, "PUT", updated.Request.Method)
	assert.Equal(t, map[string]string{"X-Env": "prod"}, updated.Request.Headers)
	assert.EqualValues(t, 2000, updated.Request.TimeoutMs)
	assert.True(t, updated.Request.TLS.RejectUnauthorized)
	assert.False(t, updated.Retry.Enabled)
	assert.Equal(t, DefaultRetry().MaxRetries, updated.Retry.MaxRetries)
	assert.True(t, updated.CircuitBreaker.Enabled)
}
