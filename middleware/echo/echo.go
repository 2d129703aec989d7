// Package echo provides Echo middleware that charges coins for a request
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CostExtractor returns the coin cost of the request
type CostExtractor func(c echo.Context) (int64, error)

// MetadataExtractor returns ledger notes for the spend
type MetadataExtractor func(c echo.Context) map[string]string

// ErrHandlerFailed is the action error recorded when the handler responds with a 5xx status
var ErrHandlerFailed = errors.New("handler failed")

// Config holds middleware configuration
type Config struct {
	// Manager is the coin manager instance
	Manager *gocoin.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCost calculates the coin cost from context (required)
	GetCost CostExtractor

	// Reason is the ledger reason of the debit
	// Default: ReasonMessageUnlock
	Reason gocoin.LedgerReason

	// GetMetadata adds notes to the ledger entry (optional)
	GetMetadata MetadataExtractor

	// OnInsufficientFunds is called when the balance does not cover the cost
	// If nil, uses default response: 402 JSON with required and balance
	OnInsufficientFunds func(c echo.Context, err *gocoin.InsufficientFundsError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that debits the request cost before the
// handler runs. The debit is refunded when the handler returns an error or
// responds with a 5xx status.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocoin/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocoin/echo: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("gocoin/echo: Config.GetCost is required")
	}
	if cfg.Reason == "" {
		cfg.Reason = gocoin.ReasonMessageUnlock
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			cost, err := cfg.GetCost(c)
			if err != nil || cost < 0 {
				if err == nil {
					err = fmt.Errorf("%w: %d", gocoin.ErrInvalidAmount, cost)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}
			if cost == 0 {
				return next(c)
			}

			req := gocoin.SpendRequest{UserID: userID, Amount: cost, Reason: cfg.Reason}
			if cfg.GetMetadata != nil {
				req.Metadata = cfg.GetMetadata(c)
			}

			var handlerErr error
			ran := false
			_, err = cfg.Manager.Spend(c.Request().Context(), req, func(context.Context) error {
				ran = true
				handlerErr = next(c)
				if handlerErr != nil {
					var he *echo.HTTPError
					if errors.As(handlerErr, &he) && he.Code < http.StatusInternalServerError {
						return nil
					}
					return handlerErr
				}
				if status := c.Response().Status; status >= http.StatusInternalServerError {
					return fmt.Errorf("%w: status %d", ErrHandlerFailed, status)
				}
				return nil
			})
			if ran {
				// Echo's error handler renders the handler's own error
				return handlerErr
			}
			if err == nil {
				return nil
			}

			var insufficient *gocoin.InsufficientFundsError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientFunds != nil {
					return cfg.OnInsufficientFunds(c, insufficient)
				}
				return defaultInsufficientFunds(c, insufficient)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInsufficientFunds(c echo.Context, err *gocoin.InsufficientFundsError) error {
	return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
		"error":    "insufficient funds",
		"required": err.Required,
		"balance":  err.Balance,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for cost

// FixedCost returns a CostExtractor that always returns a fixed amount
func FixedCost(amount int64) CostExtractor {
	return func(echo.Context) (int64, error) {
		return amount, nil
	}
}

// MessageCost returns a CostExtractor that reads the per-message cost from a pricing snapshot
func MessageCost(source gocoin.PricingSource) CostExtractor {
	return func(c echo.Context) (int64, error) {
		p, err := source.Pricing(c.Request().Context())
		if err != nil {
			return 0, err
		}
		return p.MessageCost, nil
	}
}

// PhotoUnlockCost returns a CostExtractor that reads the photo unlock cost from a pricing snapshot
func PhotoUnlockCost(source gocoin.PricingSource) CostExtractor {
	return func(c echo.Context) (int64, error) {
		p, err := source.Pricing(c.Request().Context())
		if err != nil {
			return 0, err
		}
		return p.PhotoUnlockCost, nil
	}
}
