// Package gin provides Gin middleware that charges coins for a request
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CostExtractor returns the coin cost of the request
type CostExtractor func(c *gongin.Context) (int64, error)

// MetadataExtractor returns ledger notes for the spend
type MetadataExtractor func(c *gongin.Context) map[string]string

// ErrHandlerFailed is the action error recorded when the handler chain responds with a 5xx status
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
	OnInsufficientFunds func(c *gongin.Context, err *gocoin.InsufficientFundsError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that debits the request cost before the
// rest of the chain runs and refunds it when the chain responds with a 5xx status
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("gocoin/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocoin/gin: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("gocoin/gin: Config.GetCost is required")
	}
	if cfg.Reason == "" {
		cfg.Reason = gocoin.ReasonMessageUnlock
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		cost, err := cfg.GetCost(c)
		if err != nil || cost < 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", gocoin.ErrInvalidAmount, cost)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}
		if cost == 0 {
			c.Next()
			return
		}

		req := gocoin.SpendRequest{UserID: userID, Amount: cost, Reason: cfg.Reason}
		if cfg.GetMetadata != nil {
			req.Metadata = cfg.GetMetadata(c)
		}

		ran := false
		_, err = cfg.Manager.Spend(c.Request.Context(), req, func(context.Context) error {
			ran = true
			c.Next()
			if status := c.Writer.Status(); status >= http.StatusInternalServerError {
				return fmt.Errorf("%w: status %d", ErrHandlerFailed, status)
			}
			return nil
		})
		if err == nil || ran {
			return
		}

		var insufficient *gocoin.InsufficientFundsError
		if errors.As(err, &insufficient) {
			if cfg.OnInsufficientFunds != nil {
				cfg.OnInsufficientFunds(c, insufficient)
			} else {
				defaultInsufficientFunds(c, insufficient)
			}
			c.Abort()
			return
		}
		if cfg.OnError != nil {
			cfg.OnError(c, err)
		} else {
			defaultError(c, err)
		}
		c.Abort()
	}
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInsufficientFunds(c *gongin.Context, err *gocoin.InsufficientFundsError) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":    "insufficient funds",
		"required": err.Required,
		"balance":  err.Balance,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromHeader returns a UserIDExtractor that reads a request header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns a UserIDExtractor that reads a Gin context value set by an auth middleware
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FixedCost returns a CostExtractor that always returns a fixed amount
func FixedCost(amount int64) CostExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// MessageCost returns a CostExtractor that reads the per-message cost from a pricing snapshot
func MessageCost(source gocoin.PricingSource) CostExtractor {
	return func(c *gongin.Context) (int64, error) {
		p, err := source.Pricing(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return p.MessageCost, nil
	}
}

// PhotoUnlockCost returns a CostExtractor that reads the photo unlock cost from a pricing snapshot
func PhotoUnlockCost(source gocoin.PricingSource) CostExtractor {
	return func(c *gongin.Context) (int64, error) {
		p, err := source.Pricing(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return p.PhotoUnlockCost, nil
	}
}
