package registry

import (
	"maps"
	"slices"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// The *Settings types are the caller-supplied forms of the policy sections.
// Each is applied over a base (the defaults on Register, the stored section
// on Update): zero fields and nil flags keep the base value, so a partial
// section never switches a flag off by omission.

// Flag returns a pointer to v for the optional flags below.
func Flag(v bool) *bool { return &v }

type TLSSettings struct {
	MinVersion         string `json:"min_version,omitempty"`
	RejectUnauthorized *bool  `json:"reject_unauthorized,omitempty"`
}

type RequestSettings struct {
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
	MaxPayloadSize int               `json:"max_payload_size,omitempty"`
	Compression    string            `json:"compression,omitempty"`
	TLS            TLSSettings       `json:"tls"`
}

func (s RequestSettings) apply(base model.RequestConfig) model.RequestConfig {
	out := base
	if s.Method != "" {
		out.Method = s.Method
	}
	if s.Headers != nil {
		out.Headers = maps.Clone(s.Headers)
	}
	if s.TimeoutMs != 0 {
		out.TimeoutMs = s.TimeoutMs
	}
	if s.MaxPayloadSize != 0 {
		out.MaxPayloadSize = s.MaxPayloadSize
	}
	if s.Compression != "" {
		out.Compression = s.Compression
	}
	if s.TLS.MinVersion != "" {
		out.TLS.MinVersion = s.TLS.MinVersion
	}
	if s.TLS.RejectUnauthorized != nil {
		out.TLS.RejectUnauthorized = *s.TLS.RejectUnauthorized
	}
	return out
}

type RetrySettings struct {
	Enabled *bool `json:"enabled,omitempty"`
	// MaxRetries is a pointer because zero is a meaningful limit.
	MaxRetries           *int    `json:"max_retries,omitempty"`
	InitialDelayMs       int64   `json:"initial_delay_ms,omitempty"`
	BackoffMultiplier    float64 `json:"backoff_multiplier,omitempty"`
	MaxDelayMs           int64   `json:"max_delay_ms,omitempty"`
	Jitter               *bool   `json:"jitter,omitempty"`
	JitterFactor         float64 `json:"jitter_factor,omitempty"`
	RetryableStatusCodes []int   `json:"retryable_status_codes,omitempty"`
}

func (s RetrySettings) apply(base model.RetryPolicy) model.RetryPolicy {
	out := base
	if s.Enabled != nil {
		out.Enabled = *s.Enabled
	}
	if s.MaxRetries != nil {
		out.MaxRetries = *s.MaxRetries
	}
	if s.InitialDelayMs != 0 {
		out.InitialDelayMs = s.InitialDelayMs
	}
	if s.BackoffMultiplier != 0 {
		out.BackoffMultiplier = s.BackoffMultiplier
	}
	if s.MaxDelayMs != 0 {
		out.MaxDelayMs = s.MaxDelayMs
	}
	if s.Jitter != nil {
		out.Jitter = *s.Jitter
	}
	if s.JitterFactor != 0 {
		out.JitterFactor = s.JitterFactor
	}
	if s.RetryableStatusCodes != nil {
		out.RetryableStatusCodes = slices.Clone(s.RetryableStatusCodes)
	}
	return out
}

// BreakerSettings carries configuration only. The live breaker state of the
// base is always kept.
type BreakerSettings struct {
	Enabled          *bool `json:"enabled,omitempty"`
	FailureThreshold int   `json:"failure_threshold,omitempty"`
	TimeoutMs        int64 `json:"timeout_ms,omitempty"`
}

func (s BreakerSettings) apply(base model.CircuitBreakerPolicy) model.CircuitBreakerPolicy {
	out := base
	if s.Enabled != nil {
		out.Enabled = *s.Enabled
	}
	if s.FailureThreshold != 0 {
		out.FailureThreshold = s.FailureThreshold
	}
	if s.TimeoutMs != 0 {
		out.TimeoutMs = s.TimeoutMs
	}
	return out
}
