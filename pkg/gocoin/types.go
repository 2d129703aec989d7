package gocoin

import "time"

// Plan is a subscription tier
type Plan string

const (
	// PlanFree is the tier of every user without a live subscription
	PlanFree Plan = "free"
	// PlanGold is the entry paid tier
	PlanGold Plan = "gold"
	// PlanPlatinum is the top paid tier
	PlanPlatinum Plan = "platinum"
)

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanGold, PlanPlatinum:
		return true
	default:
		return false
	}
}

// Provider identifies who bills a payment or lifecycle
type Provider string

const (
	// ProviderInternal is the simulated, non-card billing mode driven by the renewal sweeper
	ProviderInternal Provider = "internal"
	// ProviderStripe is the external card provider driven by webhooks
	ProviderStripe Provider = "stripe"
)

// Kind distinguishes the two recurring lifecycles a user carries
type Kind string

const (
	// KindSubscription is the plan subscription (gold, platinum)
	KindSubscription Kind = "subscription"
	// KindVIP is the VIP coin subscription that grants monthly coins
	KindVIP Kind = "vip"
)

// PaymentType is the purchase category of a payment record
type PaymentType string

const (
	PaymentTypeCoin         PaymentType = "coin"
	PaymentTypeSubscription PaymentType = "subscription"
)

// PaymentStatus is the lifecycle state of a payment record
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCanceled  PaymentStatus = "canceled"
)

// LedgerReason classifies a balance delta
type LedgerReason string

const (
	ReasonPurchase      LedgerReason = "purchase"
	ReasonMessageUnlock LedgerReason = "message_unlock"
	ReasonGiftSend      LedgerReason = "gift_send"
	ReasonRefund        LedgerReason = "refund"
	ReasonAdjustment    LedgerReason = "adjustment"
)

// Valid reports whether r is a known ledger reason
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonMessageUnlock, ReasonGiftSend, ReasonRefund, ReasonAdjustment:
		return true
	default:
		return false
	}
}

func (r LedgerReason) spend() bool {
	return r == ReasonMessageUnlock || r == ReasonGiftSend
}

// User is the subset of a platform user owned by the coin engine.
// Coins is a cache of the ledger sum; the lifecycles are only mutated through Lifecycle transitions.
type User struct {
	ID           string
	Coins        int64
	Subscription LifecycleRecord
	VIP          LifecycleRecord
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Lifecycle restores the state machine of the given kind
func (u *User) Lifecycle(kind Kind) *Lifecycle {
	if kind == KindVIP {
		return RestoreLifecycle(KindVIP, u.VIP)
	}
	return RestoreLifecycle(KindSubscription, u.Subscription)
}

// SubscriptionPlan is the effective plan: free unless the subscription is live
func (u *User) SubscriptionPlan() Plan {
	return u.Lifecycle(KindSubscription).Plan()
}

// VIPEnabled reports whether the VIP coin subscription is active
func (u *User) VIPEnabled() bool {
	return u.Lifecycle(KindVIP).Enabled()
}

// PaymentRecord tracks one checkout attempt, invoice or internal cycle charge
type PaymentRecord struct {
	ID       string
	UserID   string
	Provider Provider
	Type     PaymentType
	Amount   int64 // minor currency units
	Currency string
	Status   PaymentStatus

	// External linkage keys, each optional
	CheckoutSessionID string
	PaymentIntentID   string
	ExternalInvoiceID string
	SubscriptionID    string

	// InvoiceID is the human-readable id assigned on first success
	InvoiceID string

	PackageID  string
	Plan       Plan
	CoinsAdded int64

	// Metadata carries the encoded purchase metadata and, for internal cycles, the cycle key
	Metadata map[string]string

	PaidAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CycleKey returns the internal billing cycle key, if any
func (p *PaymentRecord) CycleKey() string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata[MetaCycleKey]
}

// LinkageKey names a unique lookup column of a payment record
type LinkageKey string

const (
	LinkCheckoutSession LinkageKey = "checkout_session_id"
	LinkPaymentIntent   LinkageKey = "payment_intent_id"
	LinkExternalInvoice LinkageKey = "external_invoice_id"
	LinkInvoiceID       LinkageKey = "invoice_id"
	LinkCycleKey        LinkageKey = "cycle_key"
	// LinkSubscription is not unique; lookups return the most recent record
	LinkSubscription LinkageKey = "subscription_id"
)

// Linkage carries linkage fields to fill in on settlement. Empty fields are left untouched.
type Linkage struct {
	PaymentIntentID   string
	ExternalInvoiceID string
	SubscriptionID    string
}

// LedgerEntry is one immutable balance delta
type LedgerEntry struct {
	ID           string
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       LedgerReason
	PaymentID    string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// ProcessedEvent marks a provider event id as applied
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Payload     []byte
	ProcessedAt time.Time
}

// ExternalKey names a provider handle stored on a lifecycle
type ExternalKey string

const (
	ExternalCustomer     ExternalKey = "customer_id"
	ExternalSubscription ExternalKey = "subscription_id"
)

// Ref links a balance mutation to a payment or an application object
type Ref struct {
	PaymentID string
	Metadata  map[string]string
}
