package gocoin

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

var _ Storage = (*CircuitBreakerStorage)(nil)

// guard runs fn through the breaker and returns its value
func guard[T any](ctx context.Context, cb CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var e error
		out, e = fn()
		return e
	})
	return out, err
}

func (s *CircuitBreakerStorage) CreateUser(ctx context.Context, user *User) error {
	return s.cb.Execute(ctx, func() error { return s.storage.CreateUser(ctx, user) })
}

func (s *CircuitBreakerStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	return guard(ctx, s.cb, func() (*User, error) { return s.storage.GetUser(ctx, userID) })
}

func (s *CircuitBreakerStorage) FindUserByExternal(ctx context.Context, key ExternalKey, value string) (*User, error) {
	return guard(ctx, s.cb, func() (*User, error) { return s.storage.FindUserByExternal(ctx, key, value) })
}

func (s *CircuitBreakerStorage) SaveLifecycle(
	ctx context.Context, userID string, kind Kind, rec LifecycleRecord, expectedVersion int64,
) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveLifecycle(ctx, userID, kind, rec, expectedVersion)
	})
}

func (s *CircuitBreakerStorage) ListDue(
	ctx context.Context, kind Kind, provider Provider, now time.Time, limit int,
) ([]string, error) {
	return guard(ctx, s.cb, func() ([]string, error) { return s.storage.ListDue(ctx, kind, provider, now, limit) })
}

func (s *CircuitBreakerStorage) AdjustBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	return guard(ctx, s.cb, func() (int64, error) { return s.storage.AdjustBalance(ctx, userID, delta) })
}

func (s *CircuitBreakerStorage) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	return s.cb.Execute(ctx, func() error { return s.storage.AppendLedger(ctx, entry) })
}

func (s *CircuitBreakerStorage) GetLedgerEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	return guard(ctx, s.cb, func() (*LedgerEntry, error) { return s.storage.GetLedgerEntry(ctx, id) })
}

func (s *CircuitBreakerStorage) ListLedger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	return guard(ctx, s.cb, func() ([]LedgerEntry, error) { return s.storage.ListLedger(ctx, userID, limit) })
}

func (s *CircuitBreakerStorage) SumLedger(ctx context.Context, userID string) (int64, error) {
	return guard(ctx, s.cb, func() (int64, error) { return s.storage.SumLedger(ctx, userID) })
}

func (s *CircuitBreakerStorage) InsertPayment(ctx context.Context, rec *PaymentRecord) error {
	return s.cb.Execute(ctx, func() error { return s.storage.InsertPayment(ctx, rec) })
}

func (s *CircuitBreakerStorage) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	return guard(ctx, s.cb, func() (*PaymentRecord, error) { return s.storage.GetPayment(ctx, id) })
}

func (s *CircuitBreakerStorage) FindPayment(ctx context.Context, key LinkageKey, value string) (*PaymentRecord, error) {
	return guard(ctx, s.cb, func() (*PaymentRecord, error) { return s.storage.FindPayment(ctx, key, value) })
}

func (s *CircuitBreakerStorage) ListPayments(ctx context.Context, userID string, limit int) ([]PaymentRecord, error) {
	return guard(ctx, s.cb, func() ([]PaymentRecord, error) { return s.storage.ListPayments(ctx, userID, limit) })
}

func (s *CircuitBreakerStorage) ListStalePending(
	ctx context.Context, before time.Time, limit int,
) ([]PaymentRecord, error) {
	return guard(ctx, s.cb, func() ([]PaymentRecord, error) { return s.storage.ListStalePending(ctx, before, limit) })
}

func (s *CircuitBreakerStorage) SettlePayment(ctx context.Context, req *SettleRequest) (*SettleResult, error) {
	return guard(ctx, s.cb, func() (*SettleResult, error) { return s.storage.SettlePayment(ctx, req) })
}

func (s *CircuitBreakerStorage) FailPayment(ctx context.Context, id string) (bool, error) {
	return guard(ctx, s.cb, func() (bool, error) { return s.storage.FailPayment(ctx, id) })
}

func (s *CircuitBreakerStorage) RecordCharge(ctx context.Context, req *ChargeRequest) (*SettleResult, error) {
	return guard(ctx, s.cb, func() (*SettleResult, error) { return s.storage.RecordCharge(ctx, req) })
}

func (s *CircuitBreakerStorage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	return guard(ctx, s.cb, func() (bool, error) { return s.storage.HasProcessed(ctx, eventID) })
}

func (s *CircuitBreakerStorage) MarkProcessed(ctx context.Context, event *ProcessedEvent) error {
	return s.cb.Execute(ctx, func() error { return s.storage.MarkProcessed(ctx, event) })
}
