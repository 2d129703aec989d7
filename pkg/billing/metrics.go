package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event and how it was resolved.
	// result: "applied", "duplicate", "ignored", "dropped" or "error"
	RecordWebhookEvent(provider, eventType, result string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejected before processing.
	// errorType: e.g. "auth_failed", "invalid_payload", "payload_too_large", "rate_limited"
	RecordWebhookError(provider, errorType string)

	// RecordCheckout records a checkout start.
	// status: "created", "invalid" or "provider_error"
	RecordCheckout(provider, mode, status string)

	// RecordConfirmation records a session confirmation.
	// result: "credited", "already_settled", "pending" or "rejected"
	RecordConfirmation(provider, mode, result string)

	// RecordAPICall records an API call to the billing provider.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordCheckout(_, _, _ string)                                {}
func (n *NoopMetrics) RecordConfirmation(_, _, _ string)                            {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
