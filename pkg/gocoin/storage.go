package gocoin

import (
	"context"
	"time"
)

// Storage defines the persistence layer of the coin engine.
// Implementations must make every method atomic on its own; the conditional
// balance updates, the pending->succeeded status swap and the unique linkage
// and cycle keys are the correctness guards the engine relies on.
type Storage interface {
	// CreateUser inserts a user with a zero balance
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user or ErrUserNotFound
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByExternal resolves a user from a provider customer or subscription handle
	FindUserByExternal(ctx context.Context, key ExternalKey, value string) (*User, error)

	// SaveLifecycle writes one lifecycle if its stored version still equals expectedVersion.
	// Returns ErrLifecycleConflict otherwise.
	SaveLifecycle(ctx context.Context, userID string, kind Kind, rec LifecycleRecord, expectedVersion int64) error

	// ListDue returns ids of users whose live lifecycle of the given kind and provider ended at or before now
	ListDue(ctx context.Context, kind Kind, provider Provider, now time.Time, limit int) ([]string, error)

	// AdjustBalance adds delta to the balance and returns the new balance.
	// A negative delta is applied only if the balance stays >= 0, otherwise
	// *InsufficientFundsError is returned and nothing changes.
	AdjustBalance(ctx context.Context, userID string, delta int64) (int64, error)

	// AppendLedger inserts an immutable ledger entry. Returns ErrDuplicateEntry if the id is taken.
	AppendLedger(ctx context.Context, entry *LedgerEntry) error

	// GetLedgerEntry returns an entry by id or ErrEntryNotFound
	GetLedgerEntry(ctx context.Context, id string) (*LedgerEntry, error)

	// ListLedger returns the newest entries first
	ListLedger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// SumLedger returns the sum of all deltas for the user
	SumLedger(ctx context.Context, userID string) (int64, error)

	// InsertPayment stores a new payment record. Returns ErrDuplicatePayment if a
	// unique linkage key or the cycle key is already taken.
	InsertPayment(ctx context.Context, rec *PaymentRecord) error

	// GetPayment returns a payment by id or ErrPaymentNotFound
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)

	// FindPayment returns the payment matching a linkage key or ErrPaymentNotFound
	FindPayment(ctx context.Context, key LinkageKey, value string) (*PaymentRecord, error)

	// ListPayments returns the newest payments of a user first
	ListPayments(ctx context.Context, userID string, limit int) ([]PaymentRecord, error)

	// ListStalePending returns external pending payments created before the cutoff
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]PaymentRecord, error)

	// SettlePayment atomically swaps a pending payment to succeeded and applies its credit.
	// An already succeeded payment reports Settled=false; any other status is ErrInvalidTransition.
	SettlePayment(ctx context.Context, req *SettleRequest) (*SettleResult, error)

	// FailPayment swaps a pending payment to failed. Returns false if it was not pending.
	FailPayment(ctx context.Context, id string) (bool, error)

	// RecordCharge atomically inserts an already succeeded payment, applies its credit
	// and optionally saves a lifecycle. Returns ErrDuplicatePayment and changes nothing
	// if the payment's cycle key or linkage key already exists.
	RecordCharge(ctx context.Context, req *ChargeRequest) (*SettleResult, error)

	// HasProcessed reports whether an event id was already applied
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records an event id. Returns ErrEventExists if already recorded.
	MarkProcessed(ctx context.Context, event *ProcessedEvent) error
}

// SettleRequest describes a pending->succeeded transition
type SettleRequest struct {
	PaymentID string
	PaidAt    time.Time
	Linkage   Linkage

	// InvoiceID is assigned only if the record has none yet
	InvoiceID string

	// Credit is applied to the payment owner in the same transaction when > 0
	Credit      int64
	Reason      LedgerReason
	LedgerID    string
	LedgerNotes map[string]string
}

// ChargeRequest describes a payment recorded directly as succeeded
type ChargeRequest struct {
	Payment *PaymentRecord

	Credit      int64
	Reason      LedgerReason
	LedgerID    string
	LedgerNotes map[string]string

	// Lifecycle, when set, is saved in the same transaction
	Lifecycle *LifecycleWrite
}

// LifecycleWrite is a versioned lifecycle save
type LifecycleWrite struct {
	Kind            Kind
	Record          LifecycleRecord
	ExpectedVersion int64
}

// SettleResult is the outcome of SettlePayment or RecordCharge
type SettleResult struct {
	Payment *PaymentRecord

	// Settled is false when the payment had already succeeded
	Settled bool

	// Balance is the owner's balance after the operation
	Balance int64

	// Entry is the ledger entry written, if any
	Entry *LedgerEntry
}
