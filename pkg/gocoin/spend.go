package gocoin

import (
	"context"
	"errors"
	"fmt"
)

// Pricing is a snapshot of admin-configurable coin costs, loaded once per request
type Pricing struct {
	MessageCost     int64
	PhotoUnlockCost int64

	// Gifts maps gift ids to their coin price
	Gifts map[string]int64
}

// DefaultPricing returns the standard costs
func DefaultPricing() Pricing {
	return Pricing{
		MessageCost:     50,
		PhotoUnlockCost: 100,
		Gifts: map[string]int64{
			"rose":    20,
			"teddy":   100,
			"diamond": 500,
		},
	}
}

// GiftCost returns the configured price of a gift or ErrGiftNotFound
func (p Pricing) GiftCost(giftID string) (int64, error) {
	cost, ok := p.Gifts[giftID]
	if !ok || cost <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrGiftNotFound, giftID)
	}
	return cost, nil
}

// PricingSource loads the current pricing snapshot
type PricingSource interface {
	Pricing(ctx context.Context) (Pricing, error)
}

// StaticPricing is a PricingSource that never changes
type StaticPricing Pricing

// Pricing implements PricingSource
func (p StaticPricing) Pricing(context.Context) (Pricing, error) {
	return Pricing(p), nil
}

// Action is the side effect paid for by a spend
type Action func(ctx context.Context) error

// SpendRequest describes a coin-consuming action
type SpendRequest struct {
	UserID   string
	Amount   int64
	Reason   LedgerReason
	Metadata map[string]string
}

// Charge debits a spend without running an action. The returned entry id is the
// spend id accepted by RefundSpend.
func (m *Manager) Charge(ctx context.Context, req SpendRequest) (*LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Reason.spend() {
		return nil, fmt.Errorf("%w: %q is not a spend", ErrInvalidReason, req.Reason)
	}
	return m.applyDelta(ctx, newID(), req.UserID, -req.Amount, req.Reason, &Ref{Metadata: req.Metadata})
}

// RefundSpend credits back a spend of the user. A spend is refunded at most once;
// later calls return ErrAlreadyRefunded.
func (m *Manager) RefundSpend(ctx context.Context, userID, spendID string) (*LedgerEntry, error) {
	spend, err := m.LedgerEntry(ctx, userID, spendID)
	if err != nil {
		return nil, err
	}
	if spend.Delta >= 0 || !spend.Reason.spend() {
		return nil, fmt.Errorf("%w: entry %s is not a spend", ErrInvalidTransition, spendID)
	}
	return m.refund(ctx, spend)
}

// refund writes the compensating credit under an id derived from the spend id,
// so a second refund of the same spend collides on the ledger key.
func (m *Manager) refund(ctx context.Context, spend *LedgerEntry) (*LedgerEntry, error) {
	// The caller's context may already be done; a started refund must still run.
	ctx = context.WithoutCancel(ctx)
	refundID := "refund:" + spend.ID
	if _, err := m.storage.GetLedgerEntry(ctx, refundID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRefunded, spend.ID)
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	notes := make(map[string]string, len(spend.Metadata)+2)
	for k, v := range spend.Metadata {
		notes[k] = v
	}
	notes["refundOf"] = string(spend.Reason)
	notes["spendId"] = spend.ID

	entry, err := m.applyDelta(ctx, refundID, spend.UserID, -spend.Delta, ReasonRefund, &Ref{Metadata: notes})
	if errors.Is(err, ErrDuplicateEntry) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRefunded, spend.ID)
	}
	m.metrics.RecordCompensation("spend_refund", err)
	return entry, err
}

// Spend debits the user, runs the action and refunds the debit if the action fails
// or panics. A failed action is reported as ErrActionFailed wrapping the action error;
// a panic is re-raised after the refund.
func (m *Manager) Spend(ctx context.Context, req SpendRequest, action Action) (int64, error) {
	spend, err := m.Charge(ctx, req)
	if err != nil {
		return 0, err
	}
	if action == nil {
		return spend.BalanceAfter, nil
	}

	actionErr := m.runAction(ctx, spend, action)
	if actionErr == nil {
		return spend.BalanceAfter, nil
	}
	if _, rerr := m.refund(ctx, spend); rerr != nil {
		m.logger.Error("Spend refund failed",
			Field{"user_id", req.UserID}, Field{"amount", req.Amount}, Field{"reason", req.Reason}, Err(rerr))
		return 0, errors.Join(fmt.Errorf("%w: %w", ErrActionFailed, actionErr), fmt.Errorf("refund failed: %w", rerr))
	}
	return 0, fmt.Errorf("%w: %w", ErrActionFailed, actionErr)
}

func (m *Manager) runAction(ctx context.Context, spend *LedgerEntry, action Action) error {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if _, rerr := m.refund(ctx, spend); rerr != nil {
			m.logger.Error("Spend refund after panic failed",
				Field{"user_id", spend.UserID}, Field{"spend_id", spend.ID}, Err(rerr))
		} else {
			m.logger.Warn("Spend action panicked, debit refunded",
				Field{"user_id", spend.UserID}, Field{"spend_id", spend.ID})
		}
		panic(p)
	}()
	return action(ctx)
}

// SendMessage charges the per-message cost around message delivery
func (m *Manager) SendMessage(ctx context.Context, pricing Pricing, userID, conversationID string, deliver Action) (int64, error) {
	return m.Spend(ctx, SpendRequest{
		UserID: userID,
		Amount: pricing.MessageCost,
		Reason: ReasonMessageUnlock,
		Metadata: map[string]string{
			"action":         "message_send",
			"conversationId": conversationID,
		},
	}, deliver)
}

// SendGift charges the gift's configured price around gift delivery
func (m *Manager) SendGift(ctx context.Context, pricing Pricing, userID, recipientID, giftID string, deliver Action) (int64, error) {
	cost, err := pricing.GiftCost(giftID)
	if err != nil {
		return 0, err
	}
	return m.Spend(ctx, SpendRequest{
		UserID: userID,
		Amount: cost,
		Reason: ReasonGiftSend,
		Metadata: map[string]string{
			"action":      "gift_send",
			"giftId":      giftID,
			"recipientId": recipientID,
		},
	}, deliver)
}

// UnlockPhoto charges the unlock cost around a profile photo unlock
func (m *Manager) UnlockPhoto(ctx context.Context, pricing Pricing, userID, photoID string, unlock Action) (int64, error) {
	return m.Spend(ctx, SpendRequest{
		UserID: userID,
		Amount: pricing.PhotoUnlockCost,
		Reason: ReasonMessageUnlock,
		Metadata: map[string]string{
			"action":  "photo_unlock",
			"photoId": photoID,
		},
	}, unlock)
}
