package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/pkg/renewal"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config holds configuration for the coin API handler
type Config struct {
	// Manager is the coin manager instance (required)
	Manager *gocoin.Manager

	// GetUserID extracts the authenticated user ID from the request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// Initiator enables POST /checkout. If nil, the route is not registered.
	Initiator *billing.Initiator

	// Confirmer enables /checkout/confirm. If nil, the route is not registered.
	Confirmer *billing.Confirmer

	// Lifecycles enables internal-mode activation and cancel at period end.
	// If nil, the lifecycle routes are not registered.
	Lifecycles *renewal.Service

	// Pricing enables the server-priced spend routes. If nil, they are not registered.
	Pricing gocoin.PricingSource

	// HistoryLimit is the default page size of ledger and payment history (default 50, max 200)
	HistoryLimit int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.HistoryLimit < 0 || c.HistoryLimit > maxHistoryLimit {
		return fmt.Errorf("historyLimit must be between 0 and %d", maxHistoryLimit)
	}
	return nil
}

// NewHandler creates a new coin API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HistoryLimit == 0 {
		config.HistoryLimit = defaultHistoryLimit
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
