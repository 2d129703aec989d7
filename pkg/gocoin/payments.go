package gocoin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// InvoiceGenerator produces collision-resistant human-readable invoice ids
type InvoiceGenerator interface {
	NextInvoiceID() string
}

// ULIDInvoices generates ids like INV-01J9Z3Q4W8K2M5N7P0R6S1T3V4
type ULIDInvoices struct {
	prefix string
}

// NewULIDInvoices returns a generator using the given prefix
func NewULIDInvoices(prefix string) *ULIDInvoices {
	return &ULIDInvoices{prefix: strings.TrimSuffix(prefix, "-")}
}

// NextInvoiceID implements InvoiceGenerator
func (g *ULIDInvoices) NextInvoiceID() string {
	return g.prefix + "-" + ulid.Make().String()
}

// CreatePending stores a new pending payment record
func (m *Manager) CreatePending(ctx context.Context, rec *PaymentRecord) (*PaymentRecord, error) {
	if rec == nil || rec.UserID == "" {
		return nil, fmt.Errorf("%w: payment record requires a user", ErrUserNotFound)
	}
	if rec.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	now := m.Now()
	out := *rec
	if out.ID == "" {
		out.ID = newID()
	}
	out.Status = PaymentPending
	out.InvoiceID = ""
	out.PaidAt = nil
	out.CreatedAt = now
	out.UpdatedAt = now

	start := time.Now()
	err := m.storage.InsertPayment(ctx, &out)
	m.metrics.RecordStorageOperation("insert_payment", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment returns a payment by id
func (m *Manager) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	return m.storage.GetPayment(ctx, id)
}

// FindPayment returns the payment matching a linkage key
func (m *Manager) FindPayment(ctx context.Context, key LinkageKey, value string) (*PaymentRecord, error) {
	if value == "" {
		return nil, ErrPaymentNotFound
	}
	return m.storage.FindPayment(ctx, key, value)
}

// Payments returns a user's payment history, newest first
func (m *Manager) Payments(ctx context.Context, userID string, limit int) ([]PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.storage.ListPayments(ctx, userID, limit)
}

// Settlement describes the success of a pending payment
type Settlement struct {
	PaymentID string
	PaidAt    time.Time
	Linkage   Linkage

	// Coins credited to the owner with reason purchase, only if this call wins the swap
	Coins int64
	Notes map[string]string
}

// Settle swaps a payment to succeeded and credits its coins exactly once.
// A second call for the same payment is a no-op that reports the current balance.
func (m *Manager) Settle(ctx context.Context, s Settlement) (*SettleResult, error) {
	if s.Coins < 0 {
		return nil, ErrInvalidAmount
	}
	paidAt := s.PaidAt
	if paidAt.IsZero() {
		paidAt = m.Now()
	}
	req := &SettleRequest{
		PaymentID:   s.PaymentID,
		PaidAt:      paidAt.UTC(),
		Linkage:     s.Linkage,
		InvoiceID:   m.invoices.NextInvoiceID(),
		Credit:      s.Coins,
		Reason:      ReasonPurchase,
		LedgerID:    newID(),
		LedgerNotes: s.Notes,
	}

	start := time.Now()
	res, err := m.storage.SettlePayment(ctx, req)
	m.metrics.RecordStorageOperation("settle_payment", time.Since(start), err)
	if err != nil {
		m.metrics.RecordSettlement("", "error")
		return nil, err
	}
	if res.Settled {
		m.metrics.RecordSettlement(string(res.Payment.Type), "settled")
		if res.Entry != nil {
			m.metrics.RecordBalanceChange(string(ReasonPurchase), res.Entry.Delta)
		}
	} else {
		m.metrics.RecordSettlement(string(res.Payment.Type), "already_settled")
	}
	return res, nil
}

// MarkSucceeded settles a payment without crediting coins. It is a no-op if the
// payment already succeeded.
func (m *Manager) MarkSucceeded(ctx context.Context, id string, paidAt time.Time, linkage Linkage) (*PaymentRecord, error) {
	res, err := m.Settle(ctx, Settlement{PaymentID: id, PaidAt: paidAt, Linkage: linkage})
	if err != nil {
		return nil, err
	}
	return res.Payment, nil
}

// FailPayment marks a pending payment failed
func (m *Manager) FailPayment(ctx context.Context, id string) (bool, error) {
	return m.storage.FailPayment(ctx, id)
}

// StalePending lists external pending payments created before the cutoff
func (m *Manager) StalePending(ctx context.Context, before time.Time, limit int) ([]PaymentRecord, error) {
	return m.storage.ListStalePending(ctx, before, limit)
}

// Charge is a payment that succeeds at creation, such as an invoice or an internal cycle
type Charge struct {
	Payment *PaymentRecord
	Coins   int64
	Notes   map[string]string

	// Lifecycle, when set, is saved atomically with the payment
	Lifecycle *Lifecycle
}

// RecordCharge inserts a succeeded payment, credits its coins and saves the
// lifecycle in one step. Returns ErrDuplicatePayment if the charge was already recorded.
func (m *Manager) RecordCharge(ctx context.Context, c Charge) (*SettleResult, error) {
	if c.Payment == nil || c.Payment.UserID == "" {
		return nil, fmt.Errorf("%w: charge requires a payment owner", ErrUserNotFound)
	}
	if c.Coins < 0 {
		return nil, ErrInvalidAmount
	}

	now := m.Now()
	rec := *c.Payment
	if rec.ID == "" {
		rec.ID = newID()
	}
	rec.Status = PaymentSucceeded
	if rec.InvoiceID == "" {
		rec.InvoiceID = m.invoices.NextInvoiceID()
	}
	if rec.PaidAt == nil {
		rec.PaidAt = &now
	}
	rec.CoinsAdded = c.Coins
	rec.CreatedAt = now
	rec.UpdatedAt = now

	req := &ChargeRequest{
		Payment:     &rec,
		Credit:      c.Coins,
		Reason:      ReasonPurchase,
		LedgerID:    newID(),
		LedgerNotes: c.Notes,
	}
	if c.Lifecycle != nil {
		req.Lifecycle = &LifecycleWrite{
			Kind:            c.Lifecycle.Kind(),
			Record:          c.Lifecycle.Record(),
			ExpectedVersion: c.Lifecycle.Version(),
		}
	}

	start := time.Now()
	res, err := m.storage.RecordCharge(ctx, req)
	m.metrics.RecordStorageOperation("record_charge", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			m.metrics.RecordSettlement(string(rec.Type), "already_settled")
		} else {
			m.metrics.RecordSettlement(string(rec.Type), "error")
		}
		return nil, err
	}
	m.metrics.RecordSettlement(string(rec.Type), "settled")
	if res.Entry != nil {
		m.metrics.RecordBalanceChange(string(ReasonPurchase), res.Entry.Delta)
	}
	return res, nil
}
