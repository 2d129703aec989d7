package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

const (
	providerName = "stripe"

	endpointCheckoutSessions = "/checkout/sessions"
	endpointSubscriptions    = "/subscriptions"
)

// Config holds the Stripe credentials and optional hooks
type Config struct {
	APIKey        string
	WebhookSecret string

	// Metrics records API calls (optional)
	Metrics billing.Metrics

	// Backends overrides the API endpoint, mainly for tests
	Backends *stripe.Backends
}

// Gateway implements billing.Gateway on the Stripe API
type Gateway struct {
	client        *stripe.Client
	webhookSecret string
	metrics       billing.Metrics
}

var _ billing.Gateway = (*Gateway)(nil)

// NewGateway creates a Stripe gateway
func NewGateway(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}
	return &Gateway{
		client:        stripe.NewClient(apiKey, opts...),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (g *Gateway) Name() gocoin.Provider {
	return gocoin.ProviderStripe
}

// observe records the outcome and latency of one API call
func (g *Gateway) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordAPICall(providerName, endpoint, status)
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// CreateCheckoutSession creates a hosted Checkout Session. The purchase
// metadata is duplicated onto the session and onto the underlying payment
// intent or subscription so every later event carries it.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req *billing.CheckoutRequest) (*billing.SessionHandle, error) {
	start := time.Now()

	item := &stripe.CheckoutSessionCreateLineItemParams{Quantity: stripe.Int64(1)}
	if req.PriceID != "" {
		item.Price = stripe.String(req.PriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionCreateLineItemPriceDataParams{
			Currency: stripe.String(req.Currency),
			ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
				Name: stripe.String(req.Name),
			},
			UnitAmount: stripe.Int64(req.Amount),
		}
		if req.Recurring() {
			item.PriceData.Recurring = &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
				Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			}
		}
	}

	params := &stripe.CheckoutSessionCreateParams{
		LineItems:         []*stripe.CheckoutSessionCreateLineItemParams{item},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata:          req.Metadata,
	}
	if req.Recurring() {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: req.Metadata}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{Metadata: req.Metadata}
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if !req.Recurring() {
		// Subscription mode always creates a customer
		params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	g.observe(endpointCheckoutSessions, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &billing.SessionHandle{ID: session.ID, URL: session.URL}, nil
}

// GetSession retrieves a Checkout Session
func (g *Gateway) GetSession(ctx context.Context, sessionID string) (*billing.Session, error) {
	start := time.Now()
	session, err := g.client.V1CheckoutSessions.Retrieve(ctx, sessionID, &stripe.CheckoutSessionRetrieveParams{})
	g.observe(endpointCheckoutSessions, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session: %w", err)
	}
	return sessionFrom(session), nil
}

// GetSubscription retrieves the latest subscription object
func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	start := time.Now()
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
	g.observe(endpointSubscriptions, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription: %w", err)
	}
	return subscriptionFrom(sub), nil
}

// CancelAtPeriodEnd stops renewal at the end of the current period
func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	start := time.Now()
	sub, err := g.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	g.observe(endpointSubscriptions, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return subscriptionFrom(sub), nil
}
