// Package postgres provides a PostgreSQL implementation of the gocoin.Storage interface.
// Balance updates are single conditional UPDATE statements; settlements and cycle
// charges run in one transaction with the payment row locked FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Storage implements gocoin.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var _ gocoin.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool

	Logger gocoin.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &gocoin.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString, config.Logger); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func encodeMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return out, nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateUser implements gocoin.Storage
func (s *Storage) CreateUser(ctx context.Context, user *gocoin.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO users (id, coins, created_at, updated_at)
			VALUES ($1, 0, now(), now())
			ON CONFLICT (id) DO NOTHING`,
		user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocoin.ErrUserExists
	}

	for kind, rec := range map[gocoin.Kind]gocoin.LifecycleRecord{
		gocoin.KindSubscription: user.Subscription,
		gocoin.KindVIP:          user.VIP,
	} {
		if rec.Status == "" {
			rec.Status = gocoin.StatusNone
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO lifecycles (user_id, kind, provider, status, plan, package_id, bonus_percent,
				monthly_coins, customer_id, subscription_id, period_start, period_end,
				cancel_at_period_end, monthly_amount, currency, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0)`,
			user.ID, kind, rec.Provider, rec.Status, rec.Plan, rec.PackageID, rec.BonusPercent,
			rec.MonthlyCoins, nullString(rec.CustomerID), nullString(rec.SubscriptionID),
			nullTime(rec.PeriodStart), nullTime(rec.PeriodEnd), rec.CancelAtPeriodEnd,
			rec.MonthlyAmount, rec.Currency)
		if err != nil {
			return fmt.Errorf("failed to create %s lifecycle: %w", kind, err)
		}
	}

	return tx.Commit(ctx)
}

// GetUser implements gocoin.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocoin.User, error) {
	return getUser(ctx, s.pool, userID)
}

func getUser(ctx context.Context, q querier, userID string) (*gocoin.User, error) {
	var user gocoin.User
	err := q.QueryRow(ctx,
		`SELECT id, coins, created_at, updated_at FROM users WHERE id = $1`,
		userID).Scan(&user.ID, &user.Coins, &user.CreatedAt, &user.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT kind, provider, status, plan, package_id, bonus_percent, monthly_coins,
				COALESCE(customer_id, ''), COALESCE(subscription_id, ''), period_start, period_end,
				cancel_at_period_end, monthly_amount, currency, version
			FROM lifecycles WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind gocoin.Kind
		var rec gocoin.LifecycleRecord
		var start, end *time.Time
		if err := rows.Scan(&kind, &rec.Provider, &rec.Status, &rec.Plan, &rec.PackageID,
			&rec.BonusPercent, &rec.MonthlyCoins, &rec.CustomerID, &rec.SubscriptionID,
			&start, &end, &rec.CancelAtPeriodEnd, &rec.MonthlyAmount, &rec.Currency, &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle: %w", err)
		}
		if start != nil {
			rec.PeriodStart = start.UTC()
		}
		if end != nil {
			rec.PeriodEnd = end.UTC()
		}
		switch kind {
		case gocoin.KindSubscription:
			user.Subscription = rec
		case gocoin.KindVIP:
			user.VIP = rec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lifecycles: %w", err)
	}
	return &user, nil
}

// FindUserByExternal implements gocoin.Storage
func (s *Storage) FindUserByExternal(ctx context.Context, key gocoin.ExternalKey, value string) (*gocoin.User, error) {
	if value == "" {
		return nil, gocoin.ErrUserNotFound
	}
	var column string
	switch key {
	case gocoin.ExternalCustomer:
		column = "customer_id"
	case gocoin.ExternalSubscription:
		column = "subscription_id"
	default:
		return nil, fmt.Errorf("unknown external key %q", key)
	}

	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM lifecycles WHERE `+column+` = $1 ORDER BY user_id LIMIT 1`,
		value).Scan(&userID)
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s: %w", key, err)
	}
	return s.GetUser(ctx, userID)
}

// SaveLifecycle implements gocoin.Storage
func (s *Storage) SaveLifecycle(
	ctx context.Context, userID string, kind gocoin.Kind, rec gocoin.LifecycleRecord, expectedVersion int64,
) error {
	return saveLifecycle(ctx, s.pool, userID, kind, rec, expectedVersion)
}

func saveLifecycle(
	ctx context.Context, q querier, userID string, kind gocoin.Kind, rec gocoin.LifecycleRecord, expected int64,
) error {
	if rec.Status == "" {
		rec.Status = gocoin.StatusNone
	}
	tag, err := q.Exec(ctx,
		`UPDATE lifecycles SET
				provider = $3, status = $4, plan = $5, package_id = $6, bonus_percent = $7,
				monthly_coins = $8, customer_id = $9, subscription_id = $10, period_start = $11,
				period_end = $12, cancel_at_period_end = $13, monthly_amount = $14, currency = $15,
				version = version + 1
			WHERE user_id = $1 AND kind = $2 AND version = $16`,
		userID, kind, rec.Provider, rec.Status, rec.Plan, rec.PackageID, rec.BonusPercent,
		rec.MonthlyCoins, nullString(rec.CustomerID), nullString(rec.SubscriptionID),
		nullTime(rec.PeriodStart), nullTime(rec.PeriodEnd), rec.CancelAtPeriodEnd,
		rec.MonthlyAmount, rec.Currency, expected)
	if err != nil {
		return fmt.Errorf("failed to save lifecycle: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		return gocoin.ErrUserNotFound
	}
	return gocoin.ErrLifecycleConflict
}

// ListDue implements gocoin.Storage
func (s *Storage) ListDue(
	ctx context.Context, kind gocoin.Kind, provider gocoin.Provider, now time.Time, limit int,
) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM lifecycles
			WHERE kind = $1 AND provider = $2
				AND status IN ('active', 'trialing', 'past_due')
				AND period_end IS NOT NULL AND period_end <= $3
			ORDER BY period_end, user_id
			LIMIT $4`,
		kind, provider, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due lifecycles: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read due lifecycles: %w", err)
	}
	return ids, nil
}

// AdjustBalance implements gocoin.Storage
func (s *Storage) AdjustBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	return adjustBalance(ctx, s.pool, userID, delta)
}

func adjustBalance(ctx context.Context, q querier, userID string, delta int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx,
		`UPDATE users SET coins = coins + $2, updated_at = now()
			WHERE id = $1 AND coins + $2 >= 0
			RETURNING coins`,
		userID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to adjust balance: %w", err)
	}

	// The guard rejected the update; tell missing users apart from short balances.
	err = q.QueryRow(ctx, `SELECT coins FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, gocoin.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, &gocoin.InsufficientFundsError{Required: -delta, Balance: balance}
}

// AppendLedger implements gocoin.Storage
func (s *Storage) AppendLedger(ctx context.Context, entry *gocoin.LedgerEntry) error {
	return appendLedger(ctx, s.pool, entry)
}

func appendLedger(ctx context.Context, q querier, entry *gocoin.LedgerEntry) error {
	if entry == nil || entry.UserID == "" {
		return fmt.Errorf("invalid ledger entry")
	}
	meta, err := encodeMap(entry.Metadata)
	if err != nil {
		return err
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, delta, balance_after, reason, payment_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.Delta, entry.BalanceAfter, entry.Reason,
		nullString(entry.PaymentID), meta, createdAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", gocoin.ErrDuplicateEntry, entry.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetLedgerEntry implements gocoin.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, id string) (*gocoin.LedgerEntry, error) {
	var e gocoin.LedgerEntry
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, delta, balance_after, reason, COALESCE(payment_id, ''), metadata, created_at
			FROM ledger_entries WHERE id = $1`,
		id).Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.PaymentID, &meta, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, gocoin.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	if e.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// ListLedger implements gocoin.Storage
func (s *Storage) ListLedger(ctx context.Context, userID string, limit int) ([]gocoin.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, delta, balance_after, reason, COALESCE(payment_id, ''), metadata, created_at
			FROM ledger_entries WHERE user_id = $1
			ORDER BY seq DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var out []gocoin.LedgerEntry
	for rows.Next() {
		var e gocoin.LedgerEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.PaymentID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.Metadata, err = decodeMap(meta); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SumLedger implements gocoin.Storage
func (s *Storage) SumLedger(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_entries WHERE user_id = $1`,
		userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}

func credit(
	ctx context.Context, tx pgx.Tx, userID string, amount int64, reason gocoin.LedgerReason,
	paymentID, entryID string, notes map[string]string,
) (*gocoin.LedgerEntry, error) {
	balance, err := adjustBalance(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	entry := &gocoin.LedgerEntry{
		ID:           entryID,
		UserID:       userID,
		Delta:        amount,
		BalanceAfter: balance,
		Reason:       reason,
		PaymentID:    paymentID,
		Metadata:     notes,
		CreatedAt:    time.Now().UTC(),
	}
	if err := appendLedger(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT coins FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, gocoin.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
