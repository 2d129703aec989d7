// Package http provides HTTP middleware that charges coins for a request
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CostExtractor returns the coin cost of the request
// For example: the per-message cost, or the configured price of the gift being sent
type CostExtractor func(r *http.Request) (int64, error)

// MetadataExtractor returns ledger notes for the spend, such as the conversation or photo id
type MetadataExtractor func(r *http.Request) map[string]string

// ErrHandlerFailed is the action error recorded when the wrapped handler responds with a 5xx status
var ErrHandlerFailed = errors.New("handler failed")

// Config holds middleware configuration
type Config struct {
	// Manager is the coin manager instance
	Manager *gocoin.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCost calculates the coin cost of the request (required)
	GetCost CostExtractor

	// Reason is the ledger reason of the debit
	// Default: ReasonMessageUnlock
	Reason gocoin.LedgerReason

	// GetMetadata adds notes to the ledger entry (optional)
	GetMetadata MetadataExtractor

	// OnInsufficientFunds is called when the balance does not cover the cost
	// If nil, returns 402 Payment Required with the required amount and balance
	OnInsufficientFunds func(w http.ResponseWriter, r *http.Request, err *gocoin.InsufficientFundsError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that debits the request cost before the
// handler runs and refunds it when the handler responds with a 5xx status.
// A panicking handler is refunded too; the panic continues to the outer recoverer.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Reason == "" {
		config.Reason = gocoin.ReasonMessageUnlock
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			cost, err := config.GetCost(r)
			if err == nil && cost < 0 {
				err = gocoin.ErrInvalidAmount
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}
			if cost == 0 {
				next.ServeHTTP(w, r)
				return
			}

			req := gocoin.SpendRequest{UserID: userID, Amount: cost, Reason: config.Reason}
			if config.GetMetadata != nil {
				req.Metadata = config.GetMetadata(r)
			}

			rec := &statusRecorder{ResponseWriter: w}
			_, err = config.Manager.Spend(r.Context(), req, func(ctx context.Context) error {
				next.ServeHTTP(rec, r.WithContext(ctx))
				if rec.Status() >= http.StatusInternalServerError {
					return fmt.Errorf("%w: status %d", ErrHandlerFailed, rec.Status())
				}
				return nil
			})
			if err == nil || errors.Is(err, gocoin.ErrActionFailed) {
				// The handler already wrote its response
				return
			}

			var insufficient *gocoin.InsufficientFundsError
			if errors.As(err, &insufficient) {
				if config.OnInsufficientFunds != nil {
					config.OnInsufficientFunds(w, r, insufficient)
				} else {
					writePaymentRequired(w, insufficient)
				}
				return
			}
			if config.OnError != nil {
				config.OnError(w, r, err)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that charges coins (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writePaymentRequired(w http.ResponseWriter, err *gocoin.InsufficientFundsError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":    "insufficient funds",
		"required": err.Required,
		"balance":  err.Balance,
	})
}

// statusRecorder captures the status written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the written status, 200 if the handler wrote nothing
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed amount
func FixedCost(amount int64) CostExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// MessageCost returns a CostExtractor that reads the per-message cost from a pricing snapshot
func MessageCost(source gocoin.PricingSource) CostExtractor {
	return func(r *http.Request) (int64, error) {
		p, err := source.Pricing(r.Context())
		if err != nil {
			return 0, err
		}
		return p.MessageCost, nil
	}
}

// PhotoUnlockCost returns a CostExtractor that reads the photo unlock cost from a pricing snapshot
func PhotoUnlockCost(source gocoin.PricingSource) CostExtractor {
	return func(r *http.Request) (int64, error) {
		p, err := source.Pricing(r.Context())
		if err != nil {
			return 0, err
		}
		return p.PhotoUnlockCost, nil
	}
}

// GiftCost returns a CostExtractor that prices the gift named by the request from a
// pricing snapshot. Unknown gifts fail with gocoin.ErrGiftNotFound.
func GiftCost(source gocoin.PricingSource, giftID func(r *http.Request) string) CostExtractor {
	return func(r *http.Request) (int64, error) {
		p, err := source.Pricing(r.Context())
		if err != nil {
			return 0, err
		}
		return p.GiftCost(giftID(r))
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gocoin:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
