// Package renewal runs internal-mode billing: activation, cancel at period end
// and the periodic sweep that renews or retires elapsed periods.
package renewal

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultConcurrency = 4
	defaultBatchSize   = 100
	defaultLeaseName   = "renewal-sweep"
)

// Lease elects one sweeper across instances. It only saves duplicate work;
// the cycle key unique index is what prevents double charges.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Config holds sweeper configuration
type Config struct {
	Manager *gocoin.Manager

	// Interval between sweeps (default 5m)
	Interval time.Duration

	// Concurrency bounds the users renewed in parallel (default 4)
	Concurrency int

	// BatchSize is the maximum due users fetched per kind and sweep (default 100)
	BatchSize int

	// Lease is optional. LeaseTTL defaults to Interval.
	Lease     Lease
	LeaseName string
	LeaseTTL  time.Duration

	Logger gocoin.Logger
}

// Report summarizes one sweep
type Report struct {
	Renewed  int
	Canceled int
	Skipped  int
	Failed   int
}

// Sweeper renews or retires internal-mode lifecycles whose period has elapsed
type Sweeper struct {
	manager *gocoin.Manager
	effects gocoin.BillingEffects
	config  Config
	logger  gocoin.Logger
}

// NewSweeper creates a renewal sweeper
func NewSweeper(config Config) (*Sweeper, error) {
	if config.Manager == nil {
		return nil, gocoin.ErrStorageUnavailable
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.LeaseName == "" {
		config.LeaseName = defaultLeaseName
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = config.Interval
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Logger()
	}
	return &Sweeper{
		manager: config.Manager,
		effects: &internalEffects{manager: config.Manager},
		config:  config,
		logger:  config.Logger,
	}, nil
}

// Run sweeps immediately and then on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.sweepLeased(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Renewal sweep failed", gocoin.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepLeased(ctx context.Context) (Report, error) {
	if s.config.Lease == nil {
		return s.Sweep(ctx)
	}
	ok, err := s.config.Lease.Acquire(ctx, s.config.LeaseName, s.config.LeaseTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		s.logger.Debug("Renewal sweep skipped, lease held elsewhere")
		return Report{}, nil
	}
	defer func() {
		if err := s.config.Lease.Release(context.WithoutCancel(ctx), s.config.LeaseName); err != nil {
			s.logger.Warn("Failed to release renewal lease", gocoin.Err(err))
		}
	}()
	return s.Sweep(ctx)
}

// Sweep processes every due internal-mode subscription and VIP lifecycle once.
// Failures for one user are logged and counted; they do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)
	record := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeRenewed:
			report.Renewed++
		case outcomeCanceled:
			report.Canceled++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
	}

	for _, kind := range []gocoin.Kind{gocoin.KindSubscription, gocoin.KindVIP} {
		due, err := s.manager.DueUsers(ctx, kind, gocoin.ProviderInternal, s.config.BatchSize)
		if err != nil {
			return report, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.config.Concurrency)
		for _, userID := range due {
			g.Go(func() error {
				o, err := s.renew(gctx, userID, kind)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					s.logger.Error("Renewal failed",
						gocoin.Field{Key: "user_id", Value: userID}, gocoin.Field{Key: "kind", Value: kind}, gocoin.Err(err))
				}
				record(o)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
	}

	if report.Renewed > 0 || report.Canceled > 0 || report.Failed > 0 {
		s.logger.Info("Renewal sweep finished",
			gocoin.Field{Key: "renewed", Value: report.Renewed},
			gocoin.Field{Key: "canceled", Value: report.Canceled},
			gocoin.Field{Key: "skipped", Value: report.Skipped},
			gocoin.Field{Key: "failed", Value: report.Failed})
	}
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRenewed
	outcomeCanceled
	outcomeFailed
)

// renew closes one elapsed period: it retires a lifecycle flagged to cancel,
// otherwise charges the next cycle keyed by the period being closed.
func (s *Sweeper) renew(ctx context.Context, userID string, kind gocoin.Kind) (outcome, error) {
	user, err := s.manager.GetUser(ctx, userID)
	if err != nil {
		return outcomeFailed, err
	}
	lc := user.Lifecycle(kind)
	now := s.manager.Now()
	if !lc.Billable(gocoin.ProviderInternal) || !lc.Due(now) {
		return outcomeSkipped, nil
	}

	if lc.CancelAtPeriodEnd() {
		if err := s.effects.MarkCanceled(ctx, userID, kind); err != nil {
			return outcomeFailed, err
		}
		s.logger.Info("Lifecycle canceled at period end",
			gocoin.Field{Key: "user_id", Value: userID}, gocoin.Field{Key: "kind", Value: kind})
		return outcomeCanceled, nil
	}

	start, end := gocoin.NextPeriod(lc.PeriodEnd())
	c := gocoin.Cycle{
		UserID:      userID,
		Kind:        kind,
		Key:         gocoin.CycleKey(kind, userID, lc.Item(), lc.PeriodEnd()),
		Amount:      lc.MonthlyAmount(),
		Currency:    lc.Currency(),
		PeriodStart: start,
		PeriodEnd:   end,
		PaidAt:      now,
	}
	if kind == gocoin.KindVIP {
		c.Coins = lc.MonthlyCoins()
	}
	charged, err := s.effects.CreditCycle(ctx, c)
	if errors.Is(err, gocoin.ErrInvalidTransition) {
		// Lifecycle left the live state since it was listed
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeFailed, err
	}
	if !charged {
		s.logger.Debug("Cycle already charged", gocoin.Field{Key: "cycle_key", Value: c.Key})
		return outcomeSkipped, nil
	}
	return outcomeRenewed, nil
}
