package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid subscription")
	ErrConfiguration      = errors.New("subscription misconfigured")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrWebhookUnavailable = errors.New("webhook unavailable")
	ErrDeliveryFailure    = errors.New("delivery failed")
	ErrRetryExhausted     = errors.New("retries exhausted")
	ErrNotFound           = errors.New("subscription not found")
	ErrConflict           = errors.New("concurrent subscription update")
)

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
