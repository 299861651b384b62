package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateActive    State = "active"
	StateInactive  State = "inactive"
	StatePaused    State = "paused"
	StateFailed    State = "failed"
	StateSuspended State = "suspended"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
	AuthHMAC   AuthMethod = "hmac"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthCustom AuthMethod = "custom"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatXML  Format = "xml"
	FormatForm Format = "form"
)

// Subscription is a tenant's webhook endpoint: its delivery policy plus the
// runtime state mutated by every delivery.
type Subscription struct {
	ID             uuid.UUID `json:"id"`
	TenantID       string    `json:"tenant_id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`

	TargetURL      string               `json:"target_url"`
	Request        RequestConfig        `json:"request"`
	Events         EventFilter          `json:"events"`
	Auth           AuthConfig           `json:"auth"`
	Retry          RetryPolicy          `json:"retry"`
	RateLimit      RateLimitPolicy      `json:"rate_limit"`
	CircuitBreaker CircuitBreakerPolicy `json:"circuit_breaker"`
	Transformation Transformation       `json:"transformation"`

	Status       Status           `json:"status"`
	Statistics   Statistics       `json:"statistics"`
	LastDelivery LastDelivery     `json:"last_delivery"`
	Queue        DeliveryQueue    `json:"queue"`
	History      []DeliveryRecord `json:"history"`
	Validation   Validation       `json:"validation"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RequestConfig struct {
	Method         string            `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutMs      int64             `json:"timeout_ms" validate:"gte=0"`
	MaxPayloadSize int               `json:"max_payload_size" validate:"gte=0"`
	Compression    string            `json:"compression,omitempty" validate:"omitempty,oneof=none gzip"`
	TLS            TLSPolicy         `json:"tls"`
}

func (r RequestConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

type TLSPolicy struct {
	MinVersion         string `json:"min_version,omitempty" validate:"omitempty,oneof=1.0 1.1 1.2 1.3"`
	RejectUnauthorized bool   `json:"reject_unauthorized"`
}

type EventFilter struct {
	Subscribed      []string `json:"subscribed"`
	Categories      []string `json:"categories,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	Conditions      []string `json:"conditions,omitempty"`
}

type AuthConfig struct {
	Method AuthMethod        `json:"method" validate:"omitempty,oneof=none basic bearer hmac oauth2 custom"`
	Basic  *BasicAuth        `json:"basic,omitempty"`
	Bearer *BearerAuth       `json:"bearer,omitempty"`
	HMAC   *HMACAuth         `json:"hmac,omitempty"`
	OAuth2 *OAuth2Auth       `json:"oauth2,omitempty"`
	Custom map[string]string `json:"custom,omitempty"`
}

type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type BearerAuth struct {
	Token string `json:"token,omitempty"`
}

type HMACAuth struct {
	Secret    string `json:"secret,omitempty"`
	Algorithm string `json:"algorithm" validate:"omitempty,oneof=sha256 sha512"`
	Header    string `json:"header,omitempty"`
}

type OAuth2Auth struct {
	TokenURL     string   `json:"token_url" validate:"omitempty,url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type RetryPolicy struct {
	Enabled              bool    `json:"enabled"`
	MaxRetries           int     `json:"max_retries" validate:"gte=0,lte=100"`
	InitialDelayMs       int64   `json:"initial_delay_ms" validate:"gte=0"`
	BackoffMultiplier    float64 `json:"backoff_multiplier" validate:"gte=0"`
	MaxDelayMs           int64   `json:"max_delay_ms" validate:"gte=0"`
	Jitter               bool    `json:"jitter"`
	JitterFactor         float64 `json:"jitter_factor" validate:"gte=0,lte=1"`
	RetryableStatusCodes []int   `json:"retryable_status_codes,omitempty"`
}

type RateLimitPolicy struct {
	Enabled   bool `json:"enabled"`
	PerSecond int  `json:"per_second,omitempty" validate:"gte=0"`
	PerMinute int  `json:"per_minute,omitempty" validate:"gte=0"`
	PerHour   int  `json:"per_hour,omitempty" validate:"gte=0"`
	PerDay    int  `json:"per_day,omitempty" validate:"gte=0"`

	Exceeded bool            `json:"exceeded"`
	Second   RateLimitWindow `json:"second"`
	Minute   RateLimitWindow `json:"minute"`
	Hour     RateLimitWindow `json:"hour"`
	Day      RateLimitWindow `json:"day"`
}

type RateLimitWindow struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

type CircuitBreakerPolicy struct {
	Enabled          bool  `json:"enabled"`
	FailureThreshold int   `json:"failure_threshold" validate:"gte=0"`
	TimeoutMs        int64 `json:"timeout_ms" validate:"gte=0"`

	State           CircuitState `json:"state"`
	LastStateChange time.Time    `json:"last_state_change"`
	NextAttempt     time.Time    `json:"next_attempt"`
	FailureCount    int          `json:"failure_count"`
}

func (c CircuitBreakerPolicy) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type Transformation struct {
	Enabled       bool         `json:"enabled"`
	Template      any          `json:"template,omitempty"`
	IncludeFields []string     `json:"include_fields,omitempty"`
	ExcludeFields []string     `json:"exclude_fields,omitempty"`
	Script        CustomScript `json:"script"`
	Format        Format       `json:"format,omitempty" validate:"omitempty,oneof=json yaml xml form"`
}

type CustomScript struct {
	Enabled bool   `json:"enabled"`
	Body    string `json:"body,omitempty"`
}

type Status struct {
	State      State      `json:"state"`
	Suspension Suspension `json:"suspension"`
	Health     Health     `json:"health"`
}

type Suspension struct {
	Suspended      bool       `json:"suspended"`
	SuspendedAt    *time.Time `json:"suspended_at,omitempty"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	AutoResume     bool       `json:"auto_resume"`
}

type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ErrorRate           float64      `json:"error_rate"`
	LastChecked         time.Time    `json:"last_checked"`
}

type Statistics struct {
	TotalDeliveries      int64                     `json:"total_deliveries"`
	SuccessfulDeliveries int64                     `json:"successful_deliveries"`
	FailedDeliveries     int64                     `json:"failed_deliveries"`
	TotalRetries         int64                     `json:"total_retries"`
	AverageResponseMs    float64                   `json:"average_response_ms"`
	SuccessRate          float64                   `json:"success_rate"`
	ByEventType          map[string]EventTypeStats `json:"by_event_type,omitempty"`
}

type EventTypeStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

type LastDelivery struct {
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	SucceededAt *time.Time `json:"succeeded_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	StatusCode  int        `json:"status_code,omitempty"`
	LatencyMs   int64      `json:"latency_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// DeliveryQueue holds failed deliveries waiting for their next attempt.
type DeliveryQueue struct {
	Items           []QueueEntry `json:"items"`
	MaxQueueSize    int          `json:"max_queue_size" validate:"gte=0"`
	Processing      bool         `json:"processing"`
	ProcessingSince *time.Time   `json:"processing_since,omitempty"`
}

type QueueEntry struct {
	ID           uuid.UUID `json:"id"`
	Event        Event     `json:"event"`
	AttemptCount int       `json:"attempt_count"`
	NextAttempt  time.Time `json:"next_attempt"`
	LastError    string    `json:"last_error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// DeliveryRecord is one entry in the bounded delivery history.
type DeliveryRecord struct {
	ID         uuid.UUID `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

type Validation struct {
	TestEndpoint TestEndpoint `json:"test_endpoint"`
}

type TestEndpoint struct {
	LastTested *time.Time      `json:"last_tested,omitempty"`
	TestResult *DeliveryRecord `json:"test_result,omitempty"`
}

// Event is a domain occurrence produced outside the engine.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	TenantID       string         `json:"tenant_id"`
	OrganizationID string         `json:"organization_id"`
	Data           map[string]any `json:"data"`
	ProducedAt     time.Time      `json:"produced_at"`
}

// Category is the namespace of the event type: "payment" for "payment.succeeded".
func (e Event) Category() string {
	category, _, _ := strings.Cut(e.Type, ".")
	return category
}

// DeliveryAttempt is the transient outcome of one HTTP call.
type DeliveryAttempt struct {
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	AttemptNumber int           `json:"attempt_number"`
	Success       bool          `json:"success"`
	StatusCode    int           `json:"status_code,omitempty"`
	Latency       time.Duration `json:"latency"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	// Retryable is false for failures a retry cannot fix, such as an
	// oversized payload or a status code outside the retryable set.
	Retryable bool `json:"-"`
}

// IsSuspended reports whether the subscription is still suspended at now.
func (s *Subscription) IsSuspended(now time.Time) bool {
	sp := s.Status.Suspension
	if !sp.Suspended {
		return false
	}
	if sp.AutoResume && sp.SuspendedUntil != nil && !now.Before(*sp.SuspendedUntil) {
		return false
	}
	return true
}

// Redacted returns a copy safe to expose through ordinary reads.
func (s Subscription) Redacted() Subscription {
	a := s.Auth
	if a.Basic != nil {
		b := *a.Basic
		b.Password = redact(b.Password)
		a.Basic = &b
	}
	if a.Bearer != nil {
		a.Bearer = &BearerAuth{Token: redact(a.Bearer.Token)}
	}
	if a.HMAC != nil {
		h := *a.HMAC
		h.Secret = redact(h.Secret)
		a.HMAC = &h
	}
	if a.OAuth2 != nil {
		o := *a.OAuth2
		o.ClientSecret = redact(o.ClientSecret)
		a.OAuth2 = &o
	}
	if a.Custom != nil {
		custom := make(map[string]string, len(a.Custom))
		for k, v := range a.Custom {
			custom[k] = redact(v)
		}
		a.Custom = custom
	}
	s.Auth = a
	return s
}

// RedactedSecret replaces secret values in reads. Writing it back through an
// update keeps the stored secret.
const RedactedSecret = "********"

func redact(v string) string {
	if v == "" {
		return ""
	}
	return RedactedSecret
}
