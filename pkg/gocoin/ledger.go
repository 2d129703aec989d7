package gocoin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credit adds coins and writes the matching ledger entry
func (m *Manager) Credit(ctx context.Context, userID string, amount int64, reason LedgerReason, ref *Ref) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	entry, err := m.applyDelta(ctx, newID(), userID, amount, reason, ref)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

// Debit removes coins if the balance covers them. On insufficient funds it returns
// *InsufficientFundsError and leaves balance and ledger untouched.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64, reason LedgerReason, ref *Ref) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	entry, err := m.applyDelta(ctx, newID(), userID, -amount, reason, ref)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

// applyDelta runs the conditional balance update and then the ledger insert of entryID.
// A failed insert is compensated by reversing the balance update.
func (m *Manager) applyDelta(
	ctx context.Context, entryID, userID string, delta int64, reason LedgerReason, ref *Ref,
) (*LedgerEntry, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	start := time.Now()
	balance, err := m.storage.AdjustBalance(ctx, userID, delta)
	m.metrics.RecordStorageOperation("adjust_balance", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			m.metrics.RecordInsufficientFunds(string(reason))
		}
		return nil, err
	}

	entry := &LedgerEntry{
		ID:           entryID,
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: balance,
		Reason:       reason,
		CreatedAt:    m.Now(),
	}
	if ref != nil {
		entry.PaymentID = ref.PaymentID
		entry.Metadata = ref.Metadata
	}

	start = time.Now()
	err = m.storage.AppendLedger(ctx, entry)
	m.metrics.RecordStorageOperation("append_ledger", time.Since(start), err)
	if err != nil {
		// The caller's context may already be done; the reversal must still run.
		_, cerr := m.storage.AdjustBalance(context.WithoutCancel(ctx), userID, -delta)
		m.metrics.RecordCompensation("ledger_append", cerr)
		if cerr != nil {
			m.logger.Error("Balance compensation failed, ledger and balance diverged",
				Field{"user_id", userID}, Field{"delta", delta}, Err(cerr))
			return nil, fmt.Errorf("failed to append ledger entry: %w (compensation failed: %v)", err, cerr)
		}
		m.logger.Warn("Ledger append failed, balance restored",
			Field{"user_id", userID}, Field{"delta", delta}, Err(err))
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	m.metrics.RecordBalanceChange(string(reason), delta)
	return entry, nil
}

// Balance returns the cached coin balance
func (m *Manager) Balance(ctx context.Context, userID string) (int64, error) {
	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Coins, nil
}

// LedgerEntry returns one ledger entry of the user or ErrEntryNotFound
func (m *Manager) LedgerEntry(ctx context.Context, userID, entryID string) (*LedgerEntry, error) {
	entry, err := m.storage.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// LedgerHistory returns the newest ledger entries first
func (m *Manager) LedgerHistory(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.storage.ListLedger(ctx, userID, limit)
}

// Audit compares a user's cached balance with the ledger sum
type Audit struct {
	UserID    string
	Balance   int64
	LedgerSum int64
}

// Consistent reports whether the balance equals the ledger sum
func (a Audit) Consistent() bool { return a.Balance == a.LedgerSum }

// AuditBalance recomputes the ledger sum for a user
func (m *Manager) AuditBalance(ctx context.Context, userID string) (Audit, error) {
	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		return Audit{}, err
	}
	sum, err := m.storage.SumLedger(ctx, userID)
	if err != nil {
		return Audit{}, err
	}
	a := Audit{UserID: userID, Balance: user.Coins, LedgerSum: sum}
	if !a.Consistent() {
		m.logger.Error("Ledger drift detected",
			Field{"user_id", userID}, Field{"balance", a.Balance}, Field{"ledger_sum", a.LedgerSum})
	}
	return a, nil
}
