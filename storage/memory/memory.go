// Package memory provides an in-memory implementation of the gocoin.Storage interface.
// Every method holds a single mutex, so the conditional updates and unique keys
// behave like their Postgres counterparts. Intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

type userRow struct {
	id         string
	coins      int64
	lifecycles map[gocoin.Kind]gocoin.LifecycleRecord
	createdAt  time.Time
	updatedAt  time.Time
}

// Storage implements gocoin.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	users    map[string]*userRow
	payments map[string]*gocoin.PaymentRecord
	// unique linkage indexes: key -> value -> payment id
	linkage map[gocoin.LinkageKey]map[string]string
	ledger  map[string][]gocoin.LedgerEntry
	entries map[string]string // ledger entry id -> user id
	events  map[string]gocoin.ProcessedEvent
	seq     int64
	order   map[string]int64 // payment id -> insertion sequence
}

var _ gocoin.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{}
	s.reset()
	return s
}

func (s *Storage) reset() {
	s.users = make(map[string]*userRow)
	s.payments = make(map[string]*gocoin.PaymentRecord)
	s.linkage = map[gocoin.LinkageKey]map[string]string{
		gocoin.LinkCheckoutSession: {},
		gocoin.LinkPaymentIntent:   {},
		gocoin.LinkExternalInvoice: {},
		gocoin.LinkInvoiceID:       {},
		gocoin.LinkCycleKey:        {},
	}
	s.ledger = make(map[string][]gocoin.LedgerEntry)
	s.entries = make(map[string]string)
	s.events = make(map[string]gocoin.ProcessedEvent)
	s.order = make(map[string]int64)
	s.seq = 0
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// CreateUser implements gocoin.Storage
func (s *Storage) CreateUser(_ context.Context, user *gocoin.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return gocoin.ErrUserExists
	}
	now := time.Now().UTC()
	row := &userRow{
		id: user.ID,
		lifecycles: map[gocoin.Kind]gocoin.LifecycleRecord{
			gocoin.KindSubscription: user.Subscription,
			gocoin.KindVIP:          user.VIP,
		},
		createdAt: now,
		updatedAt: now,
	}
	s.users[user.ID] = row
	return nil
}

// GetUser implements gocoin.Storage
func (s *Storage) GetUser(_ context.Context, userID string) (*gocoin.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.users[userID]
	if !ok {
		return nil, gocoin.ErrUserNotFound
	}
	return row.toUser(), nil
}

func (r *userRow) toUser() *gocoin.User {
	return &gocoin.User{
		ID:           r.id,
		Coins:        r.coins,
		Subscription: r.lifecycles[gocoin.KindSubscription],
		VIP:          r.lifecycles[gocoin.KindVIP],
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
}

// FindUserByExternal implements gocoin.Storage
func (s *Storage) FindUserByExternal(_ context.Context, key gocoin.ExternalKey, value string) (*gocoin.User, error) {
	if value == "" {
		return nil, gocoin.ErrUserNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.sortedUsers() {
		for _, rec := range row.lifecycles {
			switch key {
			case gocoin.ExternalCustomer:
				if rec.CustomerID == value {
					return row.toUser(), nil
				}
			case gocoin.ExternalSubscription:
				if rec.SubscriptionID == value {
					return row.toUser(), nil
				}
			}
		}
	}
	return nil, gocoin.ErrUserNotFound
}

func (s *Storage) sortedUsers() []*userRow {
	rows := make([]*userRow, 0, len(s.users))
	for _, row := range s.users {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	return rows
}

// SaveLifecycle implements gocoin.Storage
func (s *Storage) SaveLifecycle(
	_ context.Context, userID string, kind gocoin.Kind, rec gocoin.LifecycleRecord, expectedVersion int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLifecycleLocked(userID, kind, rec, expectedVersion)
}

func (s *Storage) saveLifecycleLocked(userID string, kind gocoin.Kind, rec gocoin.LifecycleRecord, expected int64) error {
	row, ok := s.users[userID]
	if !ok {
		return gocoin.ErrUserNotFound
	}
	if row.lifecycles[kind].Version != expected {
		return gocoin.ErrLifecycleConflict
	}
	rec.Version = expected + 1
	row.lifecycles[kind] = rec
	row.updatedAt = time.Now().UTC()
	return nil
}

// ListDue implements gocoin.Storage
func (s *Storage) ListDue(
	_ context.Context, kind gocoin.Kind, provider gocoin.Provider, now time.Time, limit int,
) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, row := range s.sortedUsers() {
		rec := row.lifecycles[kind]
		if rec.Provider != provider || !rec.Status.Live() || rec.PeriodEnd.After(now) {
			continue
		}
		ids = append(ids, row.id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// AdjustBalance implements gocoin.Storage
func (s *Storage) AdjustBalance(_ context.Context, userID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(userID, delta)
}

func (s *Storage) adjustLocked(userID string, delta int64) (int64, error) {
	row, ok := s.users[userID]
	if !ok {
		return 0, gocoin.ErrUserNotFound
	}
	if row.coins+delta < 0 {
		return row.coins, &gocoin.InsufficientFundsError{Required: -delta, Balance: row.coins}
	}
	row.coins += delta
	row.updatedAt = time.Now().UTC()
	return row.coins, nil
}

// AppendLedger implements gocoin.Storage
func (s *Storage) AppendLedger(_ context.Context, entry *gocoin.LedgerEntry) error {
	if entry == nil || entry.UserID == "" {
		return fmt.Errorf("invalid ledger entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.entries[entry.ID]; taken {
		return fmt.Errorf("%w: %s", gocoin.ErrDuplicateEntry, entry.ID)
	}
	s.entries[entry.ID] = entry.UserID
	s.ledger[entry.UserID] = append(s.ledger[entry.UserID], copyEntry(*entry))
	return nil
}

// GetLedgerEntry implements gocoin.Storage
func (s *Storage) GetLedgerEntry(_ context.Context, id string) (*gocoin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.entries[id]
	if !ok {
		return nil, gocoin.ErrEntryNotFound
	}
	for _, e := range s.ledger[userID] {
		if e.ID == id {
			out := copyEntry(e)
			return &out, nil
		}
	}
	return nil, gocoin.ErrEntryNotFound
}

// ListLedger implements gocoin.Storage
func (s *Storage) ListLedger(_ context.Context, userID string, limit int) ([]gocoin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[userID]
	out := make([]gocoin.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, copyEntry(entries[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SumLedger implements gocoin.Storage
func (s *Storage) SumLedger(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.ledger[userID] {
		sum += e.Delta
	}
	return sum, nil
}

// InsertPayment implements gocoin.Storage
func (s *Storage) InsertPayment(_ context.Context, rec *gocoin.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *Storage) insertLocked(rec *gocoin.PaymentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid payment record")
	}
	if _, ok := s.payments[rec.ID]; ok {
		return gocoin.ErrDuplicatePayment
	}
	keys := uniqueKeys(rec)
	for key, value := range keys {
		if _, taken := s.linkage[key][value]; taken {
			return fmt.Errorf("%w: %s=%s", gocoin.ErrDuplicatePayment, key, value)
		}
	}

	cp := copyPayment(rec)
	s.payments[cp.ID] = cp
	for key, value := range keys {
		s.linkage[key][value] = cp.ID
	}
	s.seq++
	s.order[cp.ID] = s.seq
	return nil
}

func uniqueKeys(rec *gocoin.PaymentRecord) map[gocoin.LinkageKey]string {
	keys := make(map[gocoin.LinkageKey]string)
	if rec.CheckoutSessionID != "" {
		keys[gocoin.LinkCheckoutSession] = rec.CheckoutSessionID
	}
	if rec.PaymentIntentID != "" {
		keys[gocoin.LinkPaymentIntent] = rec.PaymentIntentID
	}
	if rec.ExternalInvoiceID != "" {
		keys[gocoin.LinkExternalInvoice] = rec.ExternalInvoiceID
	}
	if rec.InvoiceID != "" {
		keys[gocoin.LinkInvoiceID] = rec.InvoiceID
	}
	if ck := rec.CycleKey(); ck != "" {
		keys[gocoin.LinkCycleKey] = ck
	}
	return keys
}

// GetPayment implements gocoin.Storage
func (s *Storage) GetPayment(_ context.Context, id string) (*gocoin.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.payments[id]
	if !ok {
		return nil, gocoin.ErrPaymentNotFound
	}
	return copyPayment(rec), nil
}

// FindPayment implements gocoin.Storage
func (s *Storage) FindPayment(_ context.Context, key gocoin.LinkageKey, value string) (*gocoin.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key == gocoin.LinkSubscription {
		var latest *gocoin.PaymentRecord
		for _, rec := range s.payments {
			if rec.SubscriptionID != value {
				continue
			}
			if latest == nil || s.order[rec.ID] > s.order[latest.ID] {
				latest = rec
			}
		}
		if latest == nil {
			return nil, gocoin.ErrPaymentNotFound
		}
		return copyPayment(latest), nil
	}

	index, ok := s.linkage[key]
	if !ok {
		return nil, fmt.Errorf("unknown linkage key %q", key)
	}
	id, ok := index[value]
	if !ok {
		return nil, gocoin.ErrPaymentNotFound
	}
	return copyPayment(s.payments[id]), nil
}

// ListPayments implements gocoin.Storage
func (s *Storage) ListPayments(_ context.Context, userID string, limit int) ([]gocoin.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []gocoin.PaymentRecord
	for _, rec := range s.payments {
		if rec.UserID == userID {
			out = append(out, *copyPayment(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] > s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStalePending implements gocoin.Storage
func (s *Storage) ListStalePending(_ context.Context, before time.Time, limit int) ([]gocoin.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []gocoin.PaymentRecord
	for _, rec := range s.payments {
		if rec.Status == gocoin.PaymentPending && rec.Provider != gocoin.ProviderInternal && rec.CreatedAt.Before(before) {
			out = append(out, *copyPayment(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SettlePayment implements gocoin.Storage
func (s *Storage) SettlePayment(_ context.Context, req *gocoin.SettleRequest) (*gocoin.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.payments[req.PaymentID]
	if !ok {
		return nil, gocoin.ErrPaymentNotFound
	}
	row, ok := s.users[rec.UserID]
	if !ok {
		return nil, gocoin.ErrUserNotFound
	}

	switch rec.Status {
	case gocoin.PaymentSucceeded:
		return &gocoin.SettleResult{Payment: copyPayment(rec), Settled: false, Balance: row.coins}, nil
	case gocoin.PaymentPending:
	default:
		return nil, fmt.Errorf("%w: payment %s is %s", gocoin.ErrInvalidTransition, rec.ID, rec.Status)
	}

	// Linkage values must stay unique; check before mutating anything.
	updates := map[gocoin.LinkageKey]string{}
	if rec.PaymentIntentID == "" && req.Linkage.PaymentIntentID != "" {
		updates[gocoin.LinkPaymentIntent] = req.Linkage.PaymentIntentID
	}
	if rec.ExternalInvoiceID == "" && req.Linkage.ExternalInvoiceID != "" {
		updates[gocoin.LinkExternalInvoice] = req.Linkage.ExternalInvoiceID
	}
	if rec.InvoiceID == "" && req.InvoiceID != "" {
		updates[gocoin.LinkInvoiceID] = req.InvoiceID
	}
	for key, value := range updates {
		if owner, taken := s.linkage[key][value]; taken && owner != rec.ID {
			return nil, fmt.Errorf("%w: %s=%s", gocoin.ErrDuplicatePayment, key, value)
		}
	}

	paidAt := req.PaidAt
	rec.Status = gocoin.PaymentSucceeded
	rec.PaidAt = &paidAt
	rec.UpdatedAt = time.Now().UTC()
	rec.CoinsAdded = req.Credit
	if v, ok := updates[gocoin.LinkPaymentIntent]; ok {
		rec.PaymentIntentID = v
	}
	if v, ok := updates[gocoin.LinkExternalInvoice]; ok {
		rec.ExternalInvoiceID = v
	}
	if v, ok := updates[gocoin.LinkInvoiceID]; ok {
		rec.InvoiceID = v
	}
	if rec.SubscriptionID == "" && req.Linkage.SubscriptionID != "" {
		rec.SubscriptionID = req.Linkage.SubscriptionID
	}
	for key, value := range updates {
		s.linkage[key][value] = rec.ID
	}

	res := &gocoin.SettleResult{Settled: true, Balance: row.coins}
	if req.Credit > 0 {
		res.Entry = s.creditLocked(row, req.Credit, req.Reason, rec.ID, req.LedgerID, req.LedgerNotes)
		res.Balance = row.coins
	}
	res.Payment = copyPayment(rec)
	return res, nil
}

func (s *Storage) creditLocked(
	row *userRow, amount int64, reason gocoin.LedgerReason, paymentID, entryID string, notes map[string]string,
) *gocoin.LedgerEntry {
	row.coins += amount
	row.updatedAt = time.Now().UTC()
	entry := gocoin.LedgerEntry{
		ID:           entryID,
		UserID:       row.id,
		Delta:        amount,
		BalanceAfter: row.coins,
		Reason:       reason,
		PaymentID:    paymentID,
		Metadata:     copyMap(notes),
		CreatedAt:    row.updatedAt,
	}
	s.entries[entryID] = row.id
	s.ledger[row.id] = append(s.ledger[row.id], entry)
	out := copyEntry(entry)
	return &out
}

// FailPayment implements gocoin.Storage
func (s *Storage) FailPayment(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.payments[id]
	if !ok {
		return false, gocoin.ErrPaymentNotFound
	}
	if rec.Status != gocoin.PaymentPending {
		return false, nil
	}
	rec.Status = gocoin.PaymentFailed
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RecordCharge implements gocoin.Storage
func (s *Storage) RecordCharge(_ context.Context, req *gocoin.ChargeRequest) (*gocoin.SettleResult, error) {
	if req == nil || req.Payment == nil {
		return nil, fmt.Errorf("invalid charge")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.users[req.Payment.UserID]
	if !ok {
		return nil, gocoin.ErrUserNotFound
	}
	if req.Lifecycle != nil && row.lifecycles[req.Lifecycle.Kind].Version != req.Lifecycle.ExpectedVersion {
		return nil, gocoin.ErrLifecycleConflict
	}
	if err := s.insertLocked(req.Payment); err != nil {
		return nil, err
	}
	if req.Lifecycle != nil {
		// Version was checked above under the same lock.
		_ = s.saveLifecycleLocked(row.id, req.Lifecycle.Kind, req.Lifecycle.Record, req.Lifecycle.ExpectedVersion)
	}

	res := &gocoin.SettleResult{Settled: true, Balance: row.coins}
	if req.Credit > 0 {
		res.Entry = s.creditLocked(row, req.Credit, req.Reason, req.Payment.ID, req.LedgerID, req.LedgerNotes)
		res.Balance = row.coins
	}
	res.Payment = copyPayment(s.payments[req.Payment.ID])
	return res, nil
}

// HasProcessed implements gocoin.Storage
func (s *Storage) HasProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// MarkProcessed implements gocoin.Storage
func (s *Storage) MarkProcessed(_ context.Context, event *gocoin.ProcessedEvent) error {
	if event == nil || event.EventID == "" {
		return fmt.Errorf("invalid event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.EventID]; ok {
		return gocoin.ErrEventExists
	}
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	s.events[event.EventID] = cp
	return nil
}

// ProcessedEvents returns the number of recorded events
func (s *Storage) ProcessedEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func copyPayment(rec *gocoin.PaymentRecord) *gocoin.PaymentRecord {
	cp := *rec
	cp.Metadata = copyMap(rec.Metadata)
	if rec.PaidAt != nil {
		t := *rec.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

func copyEntry(e gocoin.LedgerEntry) gocoin.LedgerEntry {
	e.Metadata = copyMap(e.Metadata)
	return e
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
