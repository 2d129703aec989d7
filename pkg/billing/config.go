package billing

import (
	"time"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Config defines the dependencies shared by the initiator, reconciler and confirmation bridge
type Config struct {
	// Manager is the gocoin Manager that owns balances, payments and lifecycles
	Manager *gocoin.Manager

	// Gateway is the external payment provider
	Gateway Gateway

	// Catalog prices coin packs, plans and VIP packages (default: gocoin.DefaultCatalog())
	Catalog *gocoin.Catalog

	// SuccessURL and CancelURL are the checkout return pages. SuccessURL may contain
	// {CHECKOUT_SESSION_ID}, which the provider replaces with the session id.
	SuccessURL string
	CancelURL  string

	// StalePendingAfter is the age after which a pending checkout is reconciled
	// or failed by ExpireStalePending (default: 24 hours)
	StalePendingAfter time.Duration

	// Metrics is an optional metrics collector for tracking billing operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger defaults to the manager's logger
	Logger gocoin.Logger
}

func (c *Config) validate() error {
	if c.Manager == nil || c.Gateway == nil {
		return ErrProviderNotConfigured
	}
	if c.Catalog == nil {
		c.Catalog = gocoin.DefaultCatalog()
	}
	if c.StalePendingAfter <= 0 {
		c.StalePendingAfter = 24 * time.Hour
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = c.Manager.Logger()
	}
	return nil
}
