package gocoin

import (
	"fmt"
	"time"
)

// Status is the provider-neutral subscription status
type Status string

const (
	StatusNone              Status = "none"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete,
		StatusIncompleteExpired, StatusTrialing, StatusUnpaid, StatusPaused:
		return true
	default:
		return false
	}
}

// Live reports whether the status keeps a paid plan in effect
func (s Status) Live() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// LifecycleRecord is the persisted shape of a Lifecycle.
// Storage implementations read and write it as-is; everything else goes through Lifecycle.
type LifecycleRecord struct {
	Provider          Provider
	Status            Status
	Plan              Plan   // subscription lifecycles
	PackageID         string // VIP lifecycles
	BonusPercent      int
	MonthlyCoins      int64
	CustomerID        string
	SubscriptionID    string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	MonthlyAmount     int64
	Currency          string

	// Version is incremented by storage on every save and used for optimistic concurrency
	Version int64
}

// Lifecycle is the subscription/VIP state machine.
// Fields are only changed through the named transitions so the plan and enabled
// flags always follow the status.
type Lifecycle struct {
	kind Kind
	rec  LifecycleRecord
}

// NewLifecycle returns an empty lifecycle of the given kind
func NewLifecycle(kind Kind) *Lifecycle {
	return &Lifecycle{kind: kind, rec: LifecycleRecord{Status: StatusNone}}
}

// RestoreLifecycle rebuilds a lifecycle from its persisted record
func RestoreLifecycle(kind Kind, rec LifecycleRecord) *Lifecycle {
	if rec.Status == "" {
		rec.Status = StatusNone
	}
	return &Lifecycle{kind: kind, rec: rec}
}

// Record returns the persisted shape
func (l *Lifecycle) Record() LifecycleRecord { return l.rec }

func (l *Lifecycle) Kind() Kind                  { return l.kind }
func (l *Lifecycle) Provider() Provider          { return l.rec.Provider }
func (l *Lifecycle) Status() Status              { return l.rec.Status }
func (l *Lifecycle) PackageID() string           { return l.rec.PackageID }
func (l *Lifecycle) BonusPercent() int           { return l.rec.BonusPercent }
func (l *Lifecycle) MonthlyCoins() int64         { return l.rec.MonthlyCoins }
func (l *Lifecycle) CustomerID() string          { return l.rec.CustomerID }
func (l *Lifecycle) SubscriptionID() string      { return l.rec.SubscriptionID }
func (l *Lifecycle) PeriodStart() time.Time      { return l.rec.PeriodStart }
func (l *Lifecycle) PeriodEnd() time.Time        { return l.rec.PeriodEnd }
func (l *Lifecycle) CancelAtPeriodEnd() bool     { return l.rec.CancelAtPeriodEnd }
func (l *Lifecycle) MonthlyAmount() int64        { return l.rec.MonthlyAmount }
func (l *Lifecycle) Currency() string            { return l.rec.Currency }
func (l *Lifecycle) Version() int64              { return l.rec.Version }
func (l *Lifecycle) Live() bool                  { return l.rec.Status.Live() }
func (l *Lifecycle) Due(now time.Time) bool      { return l.Live() && !l.rec.PeriodEnd.After(now) }
func (l *Lifecycle) Billable(p Provider) bool    { return l.rec.Provider == p }
func (l *Lifecycle) ChosenPlan() Plan            { return l.rec.Plan }

// Plan is the effective plan: free unless the lifecycle is live
func (l *Lifecycle) Plan() Plan {
	if l.kind != KindSubscription || !l.Live() || l.rec.Plan == "" {
		return PlanFree
	}
	return l.rec.Plan
}

// Enabled is true only while the status is active
func (l *Lifecycle) Enabled() bool {
	return l.rec.Status == StatusActive
}

// Item is the plan or VIP package the lifecycle bills for
func (l *Lifecycle) Item() string {
	if l.kind == KindVIP {
		return l.rec.PackageID
	}
	return string(l.rec.Plan)
}

// ActivateParams describes a newly started subscription or VIP period
type ActivateParams struct {
	Provider       Provider
	Status         Status // active or trialing, defaults to active
	Plan           Plan
	PackageID      string
	BonusPercent   int
	MonthlyCoins   int64
	MonthlyAmount  int64
	Currency       string
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// Activate starts (or restarts) the lifecycle
func (l *Lifecycle) Activate(p ActivateParams) error {
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.Status != StatusActive && p.Status != StatusTrialing {
		return fmt.Errorf("%w: activate with status %s", ErrInvalidTransition, p.Status)
	}
	switch l.kind {
	case KindSubscription:
		if p.Plan != PlanGold && p.Plan != PlanPlatinum {
			return fmt.Errorf("%w: %q", ErrPlanNotFound, p.Plan)
		}
	case KindVIP:
		if p.PackageID == "" {
			return fmt.Errorf("%w: vip package required", ErrPackageNotFound)
		}
	}
	if !p.PeriodEnd.After(p.PeriodStart) {
		return fmt.Errorf("%w: period end must follow start", ErrInvalidTransition)
	}

	version := l.rec.Version
	l.rec = LifecycleRecord{
		Provider:       p.Provider,
		Status:         p.Status,
		Plan:           p.Plan,
		PackageID:      p.PackageID,
		BonusPercent:   p.BonusPercent,
		MonthlyCoins:   p.MonthlyCoins,
		CustomerID:     p.CustomerID,
		SubscriptionID: p.SubscriptionID,
		PeriodStart:    p.PeriodStart.UTC(),
		PeriodEnd:      p.PeriodEnd.UTC(),
		MonthlyAmount:  p.MonthlyAmount,
		Currency:       p.Currency,
		Version:        version,
	}
	if l.kind == KindVIP {
		l.rec.Plan = ""
	} else {
		l.rec.PackageID = ""
		l.rec.BonusPercent = 0
		l.rec.MonthlyCoins = 0
	}
	return nil
}

// Renew moves a live lifecycle to the next paid period
func (l *Lifecycle) Renew(start, end time.Time) error {
	if !l.Live() {
		return fmt.Errorf("%w: renew from %s", ErrInvalidTransition, l.rec.Status)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: period end must follow start", ErrInvalidTransition)
	}
	l.rec.Status = StatusActive
	l.rec.PeriodStart = start.UTC()
	l.rec.PeriodEnd = end.UTC()
	return nil
}

// MarkPastDue records a failed renewal payment. Granted coins are kept.
func (l *Lifecycle) MarkPastDue() error {
	if !l.Live() {
		return fmt.Errorf("%w: past_due from %s", ErrInvalidTransition, l.rec.Status)
	}
	l.rec.Status = StatusPastDue
	return nil
}

// ScheduleCancel sets cancel-at-period-end on a live lifecycle
func (l *Lifecycle) ScheduleCancel() error {
	if !l.Live() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, l.rec.Status)
	}
	l.rec.CancelAtPeriodEnd = true
	return nil
}

// FinalizeCancel retires the lifecycle. The final period end is kept for display.
func (l *Lifecycle) FinalizeCancel() error {
	switch l.rec.Status {
	case StatusNone:
		return fmt.Errorf("%w: nothing to cancel", ErrInvalidTransition)
	case StatusCanceled:
		return nil
	}
	l.rec.Status = StatusCanceled
	l.rec.CancelAtPeriodEnd = true
	return nil
}

// SyncParams is the latest provider view of a subscription
type SyncParams struct {
	Status            Status
	SubscriptionID    string
	CustomerID        string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// Sync sets the lifecycle to the latest known provider state.
// A canceled lifecycle is terminal for its subscription id and is not revived by stale updates.
func (l *Lifecycle) Sync(p SyncParams) error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, p.Status)
	}
	if l.rec.Status == StatusNone {
		return fmt.Errorf("%w: sync %s onto empty lifecycle", ErrInvalidTransition, p.Status)
	}
	sameSub := p.SubscriptionID == "" || p.SubscriptionID == l.rec.SubscriptionID
	if l.rec.Status == StatusCanceled && sameSub && p.Status != StatusCanceled {
		return nil
	}

	l.rec.Status = p.Status
	if p.SubscriptionID != "" {
		l.rec.SubscriptionID = p.SubscriptionID
	}
	if p.CustomerID != "" {
		l.rec.CustomerID = p.CustomerID
	}
	if !p.PeriodStart.IsZero() {
		l.rec.PeriodStart = p.PeriodStart.UTC()
	}
	if !p.PeriodEnd.IsZero() {
		l.rec.PeriodEnd = p.PeriodEnd.UTC()
	}
	l.rec.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	if p.Status == StatusCanceled {
		l.rec.CancelAtPeriodEnd = true
	}
	return nil
}
