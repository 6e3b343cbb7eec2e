package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for outcomes callers branch on.
var (
	// ErrNotFound is returned when a subscription id does not resolve.
	ErrNotFound = errors.New("subscription not found")

	// ErrMissingSecret means verification was required but no secret is
	// configured. This is an operator error, not a caller error.
	ErrMissingSecret = errors.New("webhook secret is not configured")

	// ErrDuplicateEndpoint means another live subscription already holds
	// the endpoint within the same kind namespace.
	ErrDuplicateEndpoint = errors.New("endpoint is already subscribed")
)

// ValidationError carries field-level problems with a request payload.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// AuthError is a caller credential failure. It is logged but never fatal
// to the service.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// RateLimitError tells the caller when to come back.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}
