package registry

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/script"
)

var validStates = map[model.State]bool{
	model.StateActive:    true,
	model.StateInactive:  true,
	model.StatePaused:    true,
	model.StateFailed:    true,
	model.StateSuspended: true,
}

// validateSubscription checks a fully normalized subscription before it is persisted.
func (r *Registry) validateSubscription(sub *model.Subscription) error {
	if strings.TrimSpace(sub.TenantID) == "" {
		return model.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(sub.OrganizationID) == "" {
		return model.Invalid("organization_id", "is required")
	}
	if strings.TrimSpace(sub.Name) == "" {
		return model.Invalid("name", "is required")
	}
	if err := validateTargetURL(sub.TargetURL); err != nil {
		return err
	}
	if !validStates[sub.Status.State] {
		return model.Invalid("status.state", "unknown state %q", sub.Status.State)
	}

	if err := r.validate.Struct(sub); err != nil {
		return fromValidator(err)
	}

	if err := r.validateEvents(sub.Events); err != nil {
		return err
	}
	if err := validateAuth(sub.Auth); err != nil {
		return err
	}

	if sub.Retry.MaxDelayMs < sub.Retry.InitialDelayMs {
		return model.Invalid("retry.max_delay_ms", "must not be below initial_delay_ms")
	}
	if sub.CircuitBreaker.Enabled && sub.CircuitBreaker.FailureThreshold < 1 {
		return model.Invalid("circuit_breaker.failure_threshold", "must be at least 1")
	}

	if t := sub.Transformation; t.Script.Enabled {
		if err := script.Validate(t.Script.Body); err != nil {
			return model.Invalid("transformation.script", "%v", err)
		}
	}
	return nil
}

func validateTargetURL(raw string) error {
	if raw == "" {
		return model.Invalid("target_url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return model.Invalid("target_url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return model.Invalid("target_url", "scheme must be http or https")
	}
	if u.Host == "" {
		return model.Invalid("target_url", "host is required")
	}
	return nil
}

func (r *Registry) validateEvents(f model.EventFilter) error {
	if len(f.Subscribed) == 0 && len(f.Categories) == 0 {
		return model.Invalid("events", "at least one event type or category is required")
	}
	for _, e := range f.Subscribed {
		if strings.TrimSpace(e) == "" {
			return model.Invalid("events.subscribed", "event type must not be empty")
		}
	}
	for _, p := range append(append([]string{}, f.IncludePatterns...), f.ExcludePatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return model.Invalid("events.patterns", "%v", err)
		}
	}
	for _, c := range f.Conditions {
		if _, err := r.conditions.compile(c); err != nil {
			return model.Invalid("events.conditions", "%v", err)
		}
	}
	return nil
}

func validateAuth(a model.AuthConfig) error {
	switch a.Method {
	case model.AuthNone:
	case model.AuthBasic:
		if a.Basic == nil || a.Basic.Username == "" {
			return model.Invalid("auth.basic.username", "is required")
		}
	case model.AuthBearer:
		if a.Bearer == nil || a.Bearer.Token == "" {
			return model.Invalid("auth.bearer.token", "is required")
		}
	case model.AuthHMAC:
		if a.HMAC == nil || a.HMAC.Secret == "" {
			return model.Invalid("auth.hmac.secret", "is required")
		}
	case model.AuthOAuth2:
		if a.OAuth2 == nil || a.OAuth2.TokenURL == "" || a.OAuth2.ClientID == "" {
			return model.Invalid("auth.oauth2", "token_url and client_id are required")
		}
	case model.AuthCustom:
		if len(a.Custom) == 0 {
			return model.Invalid("auth.custom", "at least one header is required")
		}
	default:
		return model.Invalid("auth.method", "unknown method %q", a.Method)
	}
	return nil
}

// fromValidator reports the first failed struct tag as a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.Invalid("", "%v", err)
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Subscription.")
	if fe.Param() != "" {
		return model.Invalid(field, "failed %s=%s", fe.Tag(), fe.Param())
	}
	return model.Invalid(field, "failed %s", fe.Tag())
}
