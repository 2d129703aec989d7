package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

const paymentColumns = `id, user_id, provider, type, amount, currency, status,
	COALESCE(checkout_session_id, ''), COALESCE(payment_intent_id, ''), COALESCE(external_invoice_id, ''),
	COALESCE(subscription_id, ''), COALESCE(invoice_id, ''), package_id, plan, coins_added, metadata,
	paid_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*gocoin.PaymentRecord, error) {
	var p gocoin.PaymentRecord
	var meta []byte
	var paidAt *time.Time
	err := row.Scan(&p.ID, &p.UserID, &p.Provider, &p.Type, &p.Amount, &p.Currency, &p.Status,
		&p.CheckoutSessionID, &p.PaymentIntentID, &p.ExternalInvoiceID, &p.SubscriptionID, &p.InvoiceID,
		&p.PackageID, &p.Plan, &p.CoinsAdded, &meta, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	if paidAt != nil {
		t := paidAt.UTC()
		p.PaidAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]gocoin.PaymentRecord, error) {
	defer rows.Close()
	var out []gocoin.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// InsertPayment implements gocoin.Storage
func (s *Storage) InsertPayment(ctx context.Context, rec *gocoin.PaymentRecord) error {
	return insertPayment(ctx, s.pool, rec)
}

func insertPayment(ctx context.Context, q querier, rec *gocoin.PaymentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid payment record")
	}
	meta, err := encodeMap(rec.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt, updatedAt := rec.CreatedAt, rec.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}
	var paidAt *time.Time
	if rec.PaidAt != nil {
		paidAt = nullTime(*rec.PaidAt)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO payments (id, user_id, provider, type, amount, currency, status,
				checkout_session_id, payment_intent_id, external_invoice_id, subscription_id, invoice_id,
				package_id, plan, coins_added, metadata, paid_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, rec.UserID, rec.Provider, rec.Type, rec.Amount, rec.Currency, rec.Status,
		nullString(rec.CheckoutSessionID), nullString(rec.PaymentIntentID), nullString(rec.ExternalInvoiceID),
		nullString(rec.SubscriptionID), nullString(rec.InvoiceID),
		rec.PackageID, rec.Plan, rec.CoinsAdded, meta, paidAt, createdAt, updatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", gocoin.ErrDuplicatePayment, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment implements gocoin.Storage
func (s *Storage) GetPayment(ctx context.Context, id string) (*gocoin.PaymentRecord, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

var linkageQueries = map[gocoin.LinkageKey]string{
	gocoin.LinkCheckoutSession: `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_session_id = $1`,
	gocoin.LinkPaymentIntent:   `SELECT ` + paymentColumns + ` FROM payments WHERE payment_intent_id = $1`,
	gocoin.LinkExternalInvoice: `SELECT ` + paymentColumns + ` FROM payments WHERE external_invoice_id = $1`,
	gocoin.LinkInvoiceID:       `SELECT ` + paymentColumns + ` FROM payments WHERE invoice_id = $1`,
	gocoin.LinkCycleKey:        `SELECT ` + paymentColumns + ` FROM payments WHERE metadata ->> 'cycleKey' = $1`,
	gocoin.LinkSubscription: `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_id = $1
		ORDER BY seq DESC LIMIT 1`,
}

// FindPayment implements gocoin.Storage
func (s *Storage) FindPayment(ctx context.Context, key gocoin.LinkageKey, value string) (*gocoin.PaymentRecord, error) {
	query, ok := linkageQueries[key]
	if !ok {
		return nil, fmt.Errorf("unknown linkage key %q", key)
	}
	p, err := scanPayment(s.pool.QueryRow(ctx, query, value))
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by %s: %w", key, err)
	}
	return p, nil
}

// ListPayments implements gocoin.Storage
func (s *Storage) ListPayments(ctx context.Context, userID string, limit int) ([]gocoin.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return collectPayments(rows)
}

// ListStalePending implements gocoin.Storage
func (s *Storage) ListStalePending(ctx context.Context, before time.Time, limit int) ([]gocoin.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
			WHERE status = 'pending' AND provider <> $1 AND created_at < $2
			ORDER BY seq LIMIT $3`,
		gocoin.ProviderInternal, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	return collectPayments(rows)
}

// SettlePayment implements gocoin.Storage
func (s *Storage) SettlePayment(ctx context.Context, req *gocoin.SettleRequest) (*gocoin.SettleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, req.PaymentID))
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	switch current.Status {
	case gocoin.PaymentSucceeded:
		balance, err := balanceOf(ctx, tx, current.UserID)
		if err != nil {
			return nil, err
		}
		return &gocoin.SettleResult{Payment: current, Settled: false, Balance: balance}, nil
	case gocoin.PaymentPending:
	default:
		return nil, fmt.Errorf("%w: payment %s is %s", gocoin.ErrInvalidTransition, current.ID, current.Status)
	}

	updated, err := scanPayment(tx.QueryRow(ctx,
		`UPDATE payments SET
				status = 'succeeded',
				paid_at = $2,
				coins_added = $3,
				payment_intent_id = COALESCE(payment_intent_id, $4),
				external_invoice_id = COALESCE(external_invoice_id, $5),
				subscription_id = COALESCE(subscription_id, $6),
				invoice_id = COALESCE(invoice_id, $7),
				updated_at = now()
			WHERE id = $1
			RETURNING `+paymentColumns,
		req.PaymentID, req.PaidAt.UTC(), req.Credit,
		nullString(req.Linkage.PaymentIntentID), nullString(req.Linkage.ExternalInvoiceID),
		nullString(req.Linkage.SubscriptionID), nullString(req.InvoiceID)))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %v", gocoin.ErrDuplicatePayment, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle payment: %w", err)
	}

	res := &gocoin.SettleResult{Payment: updated, Settled: true}
	if req.Credit > 0 {
		res.Entry, err = credit(ctx, tx, updated.UserID, req.Credit, req.Reason, updated.ID, req.LedgerID, req.LedgerNotes)
		if err != nil {
			return nil, err
		}
		res.Balance = res.Entry.BalanceAfter
	} else if res.Balance, err = balanceOf(ctx, tx, updated.UserID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return res, nil
}

// FailPayment implements gocoin.Storage
func (s *Storage) FailPayment(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'failed', updated_at = now() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to fail payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetPayment(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordCharge implements gocoin.Storage
func (s *Storage) RecordCharge(ctx context.Context, req *gocoin.ChargeRequest) (*gocoin.SettleResult, error) {
	if req == nil || req.Payment == nil {
		return nil, fmt.Errorf("invalid charge")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	userID := req.Payment.UserID
	if req.Lifecycle != nil {
		lw := req.Lifecycle
		if err := saveLifecycle(ctx, tx, userID, lw.Kind, lw.Record, lw.ExpectedVersion); err != nil {
			return nil, err
		}
	}
	if err := insertPayment(ctx, tx, req.Payment); err != nil {
		return nil, err
	}

	res := &gocoin.SettleResult{Settled: true}
	if req.Credit > 0 {
		res.Entry, err = credit(ctx, tx, userID, req.Credit, req.Reason, req.Payment.ID, req.LedgerID, req.LedgerNotes)
		if err != nil {
			return nil, err
		}
		res.Balance = res.Entry.BalanceAfter
	} else if res.Balance, err = balanceOf(ctx, tx, userID); err != nil {
		return nil, err
	}

	res.Payment, err = scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, req.Payment.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read charge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit charge: %w", err)
	}
	return res, nil
}

// HasProcessed implements gocoin.Storage
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed implements gocoin.Storage
func (s *Storage) MarkProcessed(ctx context.Context, event *gocoin.ProcessedEvent) error {
	if event == nil || event.EventID == "" {
		return fmt.Errorf("invalid event")
	}
	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO processed_events (event_id, event_type, payload, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING event_id`,
		event.EventID, event.EventType, event.Payload, processedAt.UTC()).Scan(&id)
	if err == pgx.ErrNoRows {
		return gocoin.ErrEventExists
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}
