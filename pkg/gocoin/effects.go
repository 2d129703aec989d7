package gocoin

import (
	"context"
	"errors"
	"time"
)

// Cycle is one paid billing cycle of a subscription or VIP lifecycle
type Cycle struct {
	UserID string
	Kind   Kind

	// Key is the dedupe key of the cycle: the provider invoice id or the internal cycle key
	Key string

	Amount   int64
	Currency string

	// Coins granted for the cycle (VIP monthly coins, zero for plain subscriptions)
	Coins int64

	PeriodStart time.Time
	PeriodEnd   time.Time
	PaidAt      time.Time

	SubscriptionID  string
	PaymentIntentID string
}

// BillingEffects are the state changes a billing source applies to a lifecycle.
// Provider webhooks and the internal renewal sweeper each implement it; the
// lifecycle transitions themselves live on Lifecycle.
type BillingEffects interface {
	// CreditCycle records a cycle charge once per key, grants its coins and
	// advances the period. Returns false if the cycle was already recorded.
	CreditCycle(ctx context.Context, c Cycle) (bool, error)

	// RefreshPeriod sets the lifecycle to the latest known state
	RefreshPeriod(ctx context.Context, userID string, kind Kind, p SyncParams) error

	// MarkCanceled retires the lifecycle
	MarkCanceled(ctx context.Context, userID string, kind Kind) error
}

// ChargeCycle records a cycle charge and moves the lifecycle to the cycle period
// in one storage transaction, retrying on concurrent lifecycle writes.
// payment carries the dedupe linkage (external invoice id or cycle key); the
// remaining fields are filled from the cycle and the lifecycle.
// Returns false if the charge was already recorded.
func (m *Manager) ChargeCycle(ctx context.Context, c Cycle, payment *PaymentRecord) (bool, error) {
	if c.Coins < 0 {
		return false, ErrInvalidAmount
	}
	var lastErr error
	for attempt := 0; attempt < maxLifecycleAttempts; attempt++ {
		user, err := m.storage.GetUser(ctx, c.UserID)
		if err != nil {
			return false, err
		}
		lc := user.Lifecycle(c.Kind)
		if err := lc.Renew(c.PeriodStart, c.PeriodEnd); err != nil {
			return false, err
		}

		rec := *payment
		rec.UserID = c.UserID
		rec.Type = PaymentTypeSubscription
		if rec.Provider == "" {
			rec.Provider = lc.Provider()
		}
		rec.Amount = c.Amount
		if rec.Amount == 0 {
			rec.Amount = lc.MonthlyAmount()
		}
		rec.Currency = c.Currency
		if rec.Currency == "" {
			rec.Currency = lc.Currency()
		}
		if c.Kind == KindVIP {
			rec.PackageID = lc.PackageID()
		} else {
			rec.Plan = lc.ChosenPlan()
		}
		if rec.SubscriptionID == "" {
			rec.SubscriptionID = c.SubscriptionID
		}
		if rec.PaymentIntentID == "" {
			rec.PaymentIntentID = c.PaymentIntentID
		}
		if !c.PaidAt.IsZero() {
			paidAt := c.PaidAt.UTC()
			rec.PaidAt = &paidAt
		}

		_, err = m.RecordCharge(ctx, Charge{
			Payment:   &rec,
			Coins:     c.Coins,
			Notes:     map[string]string{MetaKind: string(c.Kind), "cycle": c.Key},
			Lifecycle: lc,
		})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrDuplicatePayment):
			return false, nil
		case errors.Is(err, ErrLifecycleConflict):
			lastErr = err
			m.logger.Debug("Cycle charge lost lifecycle race, retrying",
				Field{"user_id", c.UserID}, Field{"kind", c.Kind}, Field{"attempt", attempt + 1})
		default:
			return false, err
		}
	}
	return false, lastErr
}
