package registry

import (
	"github.com/zachbroad/webhook-engine/internal/circuit"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/retry"
	"github.com/zachbroad/webhook-engine/internal/signing"
)

const (
	DefaultTimeoutMs      = 30_000
	DefaultMaxPayloadSize = 1 << 20
)

// Config is the input to Register. Nil sections take their defaults.
type Config struct {
	TenantID       string                 `json:"tenant_id"`
	OrganizationID string                 `json:"organization_id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	TargetURL      string                 `json:"target_url"`
	State          model.State            `json:"state,omitempty"`
	Request        *RequestSettings       `json:"request,omitempty"`
	Events         model.EventFilter      `json:"events"`
	Auth           *model.AuthConfig      `json:"auth,omitempty"`
	Retry          *RetrySettings         `json:"retry,omitempty"`
	RateLimit      *model.RateLimitPolicy `json:"rate_limit,omitempty"`
	CircuitBreaker *BreakerSettings       `json:"circuit_breaker,omitempty"`
	Transformation *model.Transformation  `json:"transformation,omitempty"`
	MaxQueueSize   int                    `json:"max_queue_size,omitempty"`
}

// Patch changes an existing subscription. Request, retry and circuit breaker
// sections are merged over the stored ones; the others replace them. Runtime
// state (statistics, breaker state, rate-limit windows, queue) is never
// patched.
type Patch struct {
	Name           *string                `json:"name,omitempty"`
	Description    *string                `json:"description,omitempty"`
	TargetURL      *string                `json:"target_url,omitempty"`
	State          *model.State           `json:"state,omitempty"`
	Request        *RequestSettings       `json:"request,omitempty"`
	Events         *model.EventFilter     `json:"events,omitempty"`
	Auth           *model.AuthConfig      `json:"auth,omitempty"`
	Retry          *RetrySettings         `json:"retry,omitempty"`
	RateLimit      *model.RateLimitPolicy `json:"rate_limit,omitempty"`
	CircuitBreaker *BreakerSettings       `json:"circuit_breaker,omitempty"`
	Transformation *model.Transformation  `json:"transformation,omitempty"`
	MaxQueueSize   *int                   `json:"max_queue_size,omitempty"`
}

func DefaultRequest() model.RequestConfig {
	return model.RequestConfig{
		Method:         "POST",
		TimeoutMs:      DefaultTimeoutMs,
		MaxPayloadSize: DefaultMaxPayloadSize,
		Compression:    "none",
		TLS:            model.TLSPolicy{MinVersion: "1.2", RejectUnauthorized: true},
	}
}

func DefaultRetry() model.RetryPolicy {
	return model.RetryPolicy{
		Enabled:           true,
		MaxRetries:        3,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        300_000,
		Jitter:            true,
		JitterFactor:      0.1,
	}
}

func DefaultCircuitBreaker() model.CircuitBreakerPolicy {
	return model.CircuitBreakerPolicy{
		Enabled:          true,
		FailureThreshold: circuit.DefaultFailureThreshold,
		TimeoutMs:        circuit.DefaultTimeout.Milliseconds(),
		State:            model.CircuitClosed,
	}
}

func DefaultAuth() model.AuthConfig {
	return model.AuthConfig{
		Method: model.AuthHMAC,
		HMAC:   &model.HMACAuth{Algorithm: signing.AlgorithmSHA256, Header: signing.DefaultHeader},
	}
}

// normalizeRequest fills zero fields so a partially specified section still
// produces a usable request.
func normalizeRequest(r *model.RequestConfig) {
	d := DefaultRequest()
	if r.Method == "" {
		r.Method = d.Method
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = d.TimeoutMs
	}
	if r.MaxPayloadSize == 0 {
		r.MaxPayloadSize = d.MaxPayloadSize
	}
	if r.Compression == "" {
		r.Compression = d.Compression
	}
	if r.TLS.MinVersion == "" {
		r.TLS.MinVersion = d.TLS.MinVersion
	}
}

func normalizeRetry(p *model.RetryPolicy) {
	d := DefaultRetry()
	if p.InitialDelayMs == 0 {
		p.InitialDelayMs = d.InitialDelayMs
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.MaxDelayMs == 0 {
		p.MaxDelayMs = d.MaxDelayMs
	}
	if p.Jitter && p.JitterFactor == 0 {
		p.JitterFactor = d.JitterFactor
	}
}

func normalizeCircuit(p *model.CircuitBreakerPolicy) {
	d := DefaultCircuitBreaker()
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.TimeoutMs == 0 {
		p.TimeoutMs = d.TimeoutMs
	}
	if p.State == "" {
		p.State = model.CircuitClosed
	}
}

func normalizeAuth(a *model.AuthConfig) error {
	if a.Method == "" {
		a.Method = model.AuthNone
	}
	if a.Method != model.AuthHMAC {
		return nil
	}
	if a.HMAC == nil {
		a.HMAC = &model.HMACAuth{}
	}
	if a.HMAC.Algorithm == "" {
		a.HMAC.Algorithm = signing.AlgorithmSHA256
	}
	if a.HMAC.Header == "" {
		a.HMAC.Header = signing.DefaultHeader
	}
	if a.HMAC.Secret == "" {
		secret, err := signing.GenerateSecret()
		if err != nil {
			return err
		}
		a.HMAC.Secret = secret
	}
	return nil
}

func normalizeTransformation(t *model.Transformation) {
	if t.Format == "" {
		t.Format = model.FormatJSON
	}
}

func maxQueueSize(n int) int {
	if n <= 0 {
		return retry.DefaultMaxQueueSize
	}
	return n
}
