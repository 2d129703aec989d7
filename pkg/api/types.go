package api

import "time"

// BalanceResponse is the coin and membership standing of a user
type BalanceResponse struct {
	UserID       string        `json:"user_id"`
	Coins        int64         `json:"coins"`
	Plan         string        `json:"plan"` // "free", "gold", "platinum"
	VIPEnabled   bool          `json:"vip_enabled"`
	Subscription LifecycleView `json:"subscription"`
	VIP          LifecycleView `json:"vip"`
}

// LifecycleView is the display state of a subscription or VIP lifecycle
type LifecycleView struct {
	Status            string     `json:"status"`
	Provider          string     `json:"provider,omitempty"`
	Plan              string     `json:"plan,omitempty"`
	PackageID         string     `json:"package_id,omitempty"`
	MonthlyCoins      int64      `json:"monthly_coins,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
}

// LedgerEntryView is one balance change
type LedgerEntryView struct {
	ID           string            `json:"id"`
	Delta        int64             `json:"delta"`
	BalanceAfter int64             `json:"balance_after"`
	Reason       string            `json:"reason"`
	PaymentID    string            `json:"payment_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// PaymentView is one payment record as shown in purchase history
type PaymentView struct {
	ID         string     `json:"id"`
	InvoiceID  string     `json:"invoice_id,omitempty"`
	Provider   string     `json:"provider"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Amount     int64      `json:"amount"` // minor currency units
	Currency   string     `json:"currency"`
	PackageID  string     `json:"package_id,omitempty"`
	Plan       string     `json:"plan,omitempty"`
	CoinsAdded int64      `json:"coins_added"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Spend kinds accepted by POST /spends
const (
	SpendMessage     = "message"
	SpendPhotoUnlock = "photo_unlock"
	SpendGift        = "gift"
)

// SpendRequest charges one coin-consuming action. The price is taken from the
// server's pricing, never from the request.
type SpendRequest struct {
	Kind   string `json:"kind"`              // "message", "photo_unlock", "gift"
	GiftID string `json:"gift_id,omitempty"` // gift
	Target string `json:"target,omitempty"`  // conversation, photo or recipient id
}

// SpendResponse is a charged spend. SpendID is empty when the action is free.
type SpendResponse struct {
	SpendID string `json:"spend_id,omitempty"`
	Kind    string `json:"kind"`
	Cost    int64  `json:"cost"`
	Balance int64  `json:"balance"`
}

// RefundResponse is the compensating credit of a refunded spend
type RefundResponse struct {
	SpendID  string `json:"spend_id"`
	RefundID string `json:"refund_id"`
	Refunded int64  `json:"refunded"`
	Balance  int64  `json:"balance"`
}

// CheckoutRequest starts a hosted checkout
type CheckoutRequest struct {
	Mode      string `json:"mode"` // "coins", "subscription", "vip_coin_subscription"
	PackageID string `json:"package_id,omitempty"`
	Plan      string `json:"plan,omitempty"`
	OfferCode string `json:"offer_code,omitempty"`
}

// CheckoutResponse is the redirect handle of a started checkout
type CheckoutResponse struct {
	PaymentID string `json:"payment_id"`
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Coins     int64  `json:"coins,omitempty"`
	Price     int64  `json:"price"`
}

// ActivateRequest starts an internal-mode lifecycle
type ActivateRequest struct {
	Plan      string `json:"plan,omitempty"`       // subscription
	PackageID string `json:"package_id,omitempty"` // vip
}

// ActivateResponse is the first charged cycle of an internal-mode lifecycle
type ActivateResponse struct {
	PaymentID string        `json:"payment_id"`
	InvoiceID string        `json:"invoice_id"`
	Coins     int64         `json:"coins"`
	Balance   int64         `json:"balance"`
	Lifecycle LifecycleView `json:"lifecycle"`
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`

	// Required and Balance are set for 402 insufficient funds
	Required *int64 `json:"required,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
}
