// Package fiber provides Fiber middleware that charges coins for a request
package fiber

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// CostExtractor returns the coin cost of the request
type CostExtractor func(c *fiber.Ctx) (int64, error)

// MetadataExtractor returns ledger notes for the spend
type MetadataExtractor func(c *fiber.Ctx) map[string]string

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
	OnInsufficientFunds func(c *fiber.Ctx, err *gocoin.InsufficientFundsError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that debits the request cost before the
// next handler runs. The debit is refunded when the handler returns a server
// error or responds with a 5xx status.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gocoin/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocoin/fiber: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("gocoin/fiber: Config.GetCost is required")
	}
	if cfg.Reason == "" {
		cfg.Reason = gocoin.ReasonMessageUnlock
	}

	return func(c *fiber.Ctx) error {
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}
		if cost == 0 {
			return c.Next()
		}

		req := gocoin.SpendRequest{UserID: userID, Amount: cost, Reason: cfg.Reason}
		if cfg.GetMetadata != nil {
			req.Metadata = cfg.GetMetadata(c)
		}

		var handlerErr error
		ran := false
		_, err = cfg.Manager.Spend(c.UserContext(), req, func(context.Context) error {
			ran = true
			handlerErr = c.Next()
			if handlerErr != nil {
				var fe *fiber.Error
				if errors.As(handlerErr, &fe) && fe.Code < fiber.StatusInternalServerError {
					return nil
				}
				return handlerErr
			}
			if status := c.Response().StatusCode(); status >= fiber.StatusInternalServerError {
				return fmt.Errorf("%w: status %d", ErrHandlerFailed, status)
			}
			return nil
		})
		if ran {
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

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInsufficientFunds(c *fiber.Ctx, err *gocoin.InsufficientFundsError) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":    "insufficient funds",
		"required": err.Required,
		"balance":  err.Balance,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware, e.g. c.Locals("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for cost

// FixedCost returns a CostExtractor that always returns a fixed amount
func FixedCost(amount int64) CostExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return amount, nil
	}
}

// MessageCost returns a CostExtractor that reads the per-message cost from a pricing snapshot
func MessageCost(source gocoin.PricingSource) CostExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		p, err := source.Pricing(c.UserContext())
		if err != nil {
			return 0, err
		}
		return p.MessageCost, nil
	}
}

// PhotoUnlockCost returns a CostExtractor that reads the photo unlock cost from a pricing snapshot
func PhotoUnlockCost(source gocoin.PricingSource) CostExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		p, err := source.Pricing(c.UserContext())
		if err != nil {
			return 0, err
		}
		return p.PhotoUnlockCost, nil
	}
}
