package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a gateway is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderUnavailable is returned when a provider API call fails. It is retryable.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrSessionOwnership is returned when a checkout session belongs to another user
	ErrSessionOwnership = errors.New("checkout session does not belong to user")

	// ErrInconsistentState is returned when an event contradicts stored records.
	// Such events are dropped, never guessed at.
	ErrInconsistentState = errors.New("event contradicts stored state")

	// ErrNotSupported is returned when a gateway doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
