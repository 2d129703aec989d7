package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Gateway is the boundary to an external payment provider.
// Implementations translate provider objects into the normalized types below.
type Gateway interface {
	// Name returns the provider the gateway bills for
	Name() gocoin.Provider

	// CreateCheckoutSession creates a hosted checkout and returns its redirect handle
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*SessionHandle, error)

	// GetSession retrieves a checkout session by id
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSubscription retrieves the latest state of a subscription
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelAtPeriodEnd asks the provider to stop renewing at the end of the current period
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ParseEvent verifies a webhook signature and decodes the event.
	// Returns ErrInvalidWebhookSignature or ErrInvalidWebhookPayload.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// CheckoutRequest describes the hosted checkout to create
type CheckoutRequest struct {
	Mode gocoin.Mode

	UserID     string
	CustomerID string // optional, reuses an existing provider customer

	// Line item. PriceID is used when set, otherwise an inline price is built.
	Name     string
	Amount   int64
	Currency string
	PriceID  string

	// Metadata is copied onto the session and, for recurring modes, onto the subscription
	Metadata map[string]string

	SuccessURL string
	CancelURL  string

	// IdempotencyKey makes provider retries of the create call safe
	IdempotencyKey string
}

// Recurring reports whether the checkout starts a subscription
func (r *CheckoutRequest) Recurring() bool {
	return r.Mode == gocoin.ModeSubscription || r.Mode == gocoin.ModeVIPCoinSubscription
}

// SessionHandle is what the purchase UI needs to redirect the user
type SessionHandle struct {
	ID  string
	URL string
}

// Session is the provider view of a checkout session
type Session struct {
	ID                string
	Complete          bool
	Paid              bool
	Metadata          map[string]string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	PaymentIntentID   string
	InvoiceID         string
	AmountTotal       int64
	Currency          string
	Created           time.Time
}

// Subscription is the provider view of a recurring subscription
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             gocoin.Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// SyncParams converts the subscription into a lifecycle resync
func (s *Subscription) SyncParams() gocoin.SyncParams {
	return gocoin.SyncParams{
		Status:            s.Status,
		SubscriptionID:    s.ID,
		CustomerID:        s.CustomerID,
		PeriodStart:       s.CurrentPeriodStart,
		PeriodEnd:         s.CurrentPeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
}

// Invoice is one billing cycle charge of a subscription
type Invoice struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	AmountPaid      int64
	Currency        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	PaidAt          time.Time
	BillingReason   string

	// Metadata is the subscription metadata the invoice was issued for
	Metadata map[string]string
}

// PaymentIntent is a single card payment
type PaymentIntent struct {
	ID         string
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
}

// EventType is a provider event name
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventInvoicePaid             EventType = "invoice.paid"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventPaymentIntentSucceeded  EventType = "payment_intent.succeeded"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
)

// Event is a verified, normalized provider event.
// Exactly one of the object fields is set for the event types the reconciler handles.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time

	// Raw is the verified payload, stored with the processed marker for replay
	Raw []byte

	Session       *Session
	Invoice       *Invoice
	Subscription  *Subscription
	PaymentIntent *PaymentIntent
}
