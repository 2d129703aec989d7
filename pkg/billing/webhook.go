package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gocoin/pkg/billing/internal"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

const maxWebhookBody = 256 * 1024

// WebhookOptions tunes the webhook ingress
type WebhookOptions struct {
	// RateLimit is the number of requests allowed per client IP per RateWindow (0 disables)
	RateLimit  int
	RateWindow time.Duration

	// SignatureHeader defaults to Stripe-Signature
	SignatureHeader string
}

// WebhookHandler returns the ingress for signed provider events. It acknowledges
// with 200 only after the event is applied, dropped or found already processed.
func (r *Reconciler) WebhookHandler(opts WebhookOptions) http.Handler {
	header := opts.SignatureHeader
	if header == "" {
		header = "Stripe-Signature"
	}
	provider := string(r.gateway.Name())

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		internal.SetSecurityHeaders(w)

		if req.Method != http.MethodPost {
			internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := internal.ReadBodyStrict(w, req, maxWebhookBody)
		if err != nil {
			if errors.Is(err, internal.ErrPayloadTooLarge) {
				internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
				r.metrics.RecordWebhookError(provider, "payload_too_large")
			} else {
				internal.WriteError(w, http.StatusBadRequest, "invalid payload")
				r.metrics.RecordWebhookError(provider, "invalid_payload")
			}
			return
		}

		ev, err := r.gateway.ParseEvent(body, req.Header.Get(header))
		if err != nil {
			if errors.Is(err, ErrInvalidWebhookSignature) {
				r.logger.Warn("Webhook signature rejected",
					gocoin.Field{Key: "remote_ip", Value: internal.ClientIP(req)}, gocoin.Err(err))
				internal.WriteError(w, http.StatusUnauthorized, "unauthorized")
				r.metrics.RecordWebhookError(provider, "auth_failed")
				return
			}
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			r.metrics.RecordWebhookError(provider, "invalid_payload")
			return
		}

		result, err := r.Handle(req.Context(), ev)
		if err != nil {
			if errors.Is(err, ErrInvalidWebhookPayload) {
				internal.WriteError(w, http.StatusBadRequest, "invalid payload")
				return
			}
			internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
			return
		}
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"result": string(result)})
	})

	if opts.RateLimit > 0 {
		window := opts.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter := internal.NewIngressLimiter(opts.RateLimit, window)
		h = limiter.Middleware(h, func(*http.Request) {
			r.metrics.RecordWebhookError(provider, "rate_limited")
		})
	}
	return h
}
