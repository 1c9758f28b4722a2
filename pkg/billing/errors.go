package billing

import (
	"errors"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a processor is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnknownTenant is returned when a webhook is addressed to an unknown org/env
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrProviderAPIError is returned when the processor's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrResourceMissing is returned when the processor reports an object does not exist
	ErrResourceMissing = errors.New("resource missing in billing provider")

	// ErrProviderUnavailable is returned while the circuit breaker around the processor is open
	ErrProviderUnavailable = errors.New("billing provider unavailable")
)

// StatusCode maps a Receiver error to the HTTP status returned to the processor.
// Client errors are not retried by the processor; server errors are.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidWebhookSignature), errors.Is(err, ErrInvalidWebhookPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownTenant):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
