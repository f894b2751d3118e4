package connectors

import (
	"errors"
	"fmt"
)

// Sentinel errors for collaborator failures.
var (
	// ErrNotConfigured indicates a collaborator is missing credentials or settings.
	ErrNotConfigured = errors.New("connector not configured")

	// ErrUnauthorized indicates the provider rejected the credentials.
	ErrUnauthorized = errors.New("authentication failed")

	// ErrRateLimited indicates the provider's rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrServerError indicates a provider-side failure.
	ErrServerError = errors.New("server error")

	// ErrEmptyResponse indicates the provider answered without a usable payload.
	ErrEmptyResponse = errors.New("empty response")
)

// APIError is a non-success answer from an external API.
type APIError struct {
	// Service is the provider name, e.g. "sendgrid" or "linear".
	Service string

	// StatusCode is the HTTP status code returned.
	StatusCode int

	// Message is the provider's error text.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Service, e.StatusCode, e.Message)
}

// Unwrap maps the status code onto a sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrUnauthorized
	case e.StatusCode == 429:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrServerError
	}
	return nil
}
