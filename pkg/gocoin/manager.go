package gocoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxLifecycleAttempts = 3

// Config holds Manager dependencies. Zero values get no-op defaults.
type Config struct {
	Logger  Logger
	Metrics Metrics

	// Invoices generates human-readable invoice ids (default: INV-<ULID>)
	Invoices InvoiceGenerator

	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Manager is the entry point to balances, payments, idempotency and lifecycles
type Manager struct {
	storage  Storage
	logger   Logger
	metrics  Metrics
	invoices InvoiceGenerator
	now      func() time.Time
}

// NewManager creates a new coin manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Invoices == nil {
		config.Invoices = NewULIDInvoices("INV")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		storage:  storage,
		logger:   config.Logger,
		metrics:  config.Metrics,
		invoices: config.Invoices,
		now:      config.Now,
	}, nil
}

// Now returns the manager clock in UTC
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Logger returns the configured logger
func (m *Manager) Logger() Logger {
	return m.logger
}

// CreateUser registers a user with a zero balance and empty lifecycles
func (m *Manager) CreateUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrUserNotFound)
	}
	now := m.Now()
	user := &User{
		ID:           userID,
		Subscription: NewLifecycle(KindSubscription).Record(),
		VIP:          NewLifecycle(KindVIP).Record(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.storage.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// EnsureUser returns the user, creating it with a zero balance on first sight.
// created reports whether this call inserted the user.
func (m *Manager) EnsureUser(ctx context.Context, userID string) (user *User, created bool, err error) {
	user, err = m.CreateUser(ctx, userID)
	if err == nil {
		m.logger.Info("User provisioned", Field{"user_id", userID})
		return user, true, nil
	}
	if !errors.Is(err, ErrUserExists) {
		return nil, false, err
	}
	user, err = m.storage.GetUser(ctx, userID)
	return user, false, err
}

// GetUser returns the user with balance and lifecycle state
func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	return m.storage.GetUser(ctx, userID)
}

// ResolveUser applies the lookup precedence: explicit user id, then provider
// customer id, then provider subscription id.
func (m *Manager) ResolveUser(ctx context.Context, userID, customerID, subscriptionID string) (*User, error) {
	if userID != "" {
		user, err := m.storage.GetUser(ctx, userID)
		if err == nil || !errors.Is(err, ErrUserNotFound) {
			return user, err
		}
	}
	if customerID != "" {
		user, err := m.storage.FindUserByExternal(ctx, ExternalCustomer, customerID)
		if err == nil || !errors.Is(err, ErrUserNotFound) {
			return user, err
		}
	}
	if subscriptionID != "" {
		user, err := m.storage.FindUserByExternal(ctx, ExternalSubscription, subscriptionID)
		if err == nil || !errors.Is(err, ErrUserNotFound) {
			return user, err
		}
	}
	return nil, ErrUserNotFound
}

// DueUsers lists users whose live lifecycle of kind, billed by provider, has ended
func (m *Manager) DueUsers(ctx context.Context, kind Kind, provider Provider, limit int) ([]string, error) {
	return m.storage.ListDue(ctx, kind, provider, m.Now(), limit)
}

// UpdateLifecycle loads a lifecycle, applies fn and saves it with optimistic
// concurrency, retrying on concurrent modification. fn returning ErrUnchanged
// skips the save.
func (m *Manager) UpdateLifecycle(
	ctx context.Context, userID string, kind Kind, fn func(*Lifecycle) error,
) (*Lifecycle, error) {
	var lastErr error
	for attempt := 0; attempt < maxLifecycleAttempts; attempt++ {
		user, err := m.storage.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		lc := user.Lifecycle(kind)
		if err := fn(lc); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return lc, nil
			}
			return nil, err
		}

		start := time.Now()
		err = m.storage.SaveLifecycle(ctx, userID, kind, lc.Record(), lc.Version())
		m.metrics.RecordStorageOperation("save_lifecycle", time.Since(start), err)
		if err == nil {
			rec := lc.Record()
			rec.Version++
			return RestoreLifecycle(kind, rec), nil
		}
		if !errors.Is(err, ErrLifecycleConflict) {
			return nil, err
		}
		lastErr = err
		m.logger.Debug("Lifecycle save conflict, retrying",
			Field{"user_id", userID}, Field{"kind", kind}, Field{"attempt", attempt + 1})
	}
	return nil, lastErr
}

func newID() string {
	return uuid.NewString()
}
