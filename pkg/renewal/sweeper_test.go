package renewal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/pkg/renewal"
	"github.com/mihaimyh/gocoin/storage/memory"
)

// clock is a settable time source shared by the manager under test
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *clock
	storage *memory.Storage
	manager *gocoin.Manager
	service *renewal.Service
}

func newFixture(t *testing.T, gateway *fakeGateway) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	storage := memory.New()
	manager, err := gocoin.NewManager(storage, gocoin.Config{Now: c.Now})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	var gw billing.Gateway
	if gateway != nil {
		gw = gateway
	}
	service, err := renewal.NewService(manager, nil, gw)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return &fixture{clock: c, storage: storage, manager: manager, service: service}
}

func (f *fixture) user(t *testing.T, id string) {
	t.Helper()
	if _, err := f.manager.CreateUser(context.Background(), id); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
}

func (f *fixture) sweeper(t *testing.T, config renewal.Config) *renewal.Sweeper {
	t.Helper()
	config.Manager = f.manager
	s, err := renewal.NewSweeper(config)
	require.NoError(t, err)
	return s
}

func TestNewSweeper_RequiresManager(t *testing.T) {
	_, err := renewal.NewSweeper(renewal.Config{})
	assert.ErrorIs(t, err, gocoin.ErrStorageUnavailable)
}

func TestSweeper_RenewsVIPOncePerCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "user1")

	_, err := f.service.ActivateVIP(ctx, "user1", "vip_700")
	require.NoError(t, err)
	s := f.sweeper(t, renewal.Config{})

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, renewal.Report{}, report, "nothing is due during the first period")

	f.clock.Advance(gocoin.BillingPeriod + time.Minute)
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)

	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Renewed, "the renewed period is not due yet")

	user, err := f.manager.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(1610), user.Coins)
	assert.Equal(t, gocoin.StatusActive, user.VIP.Status)
	assert.True(t, user.VIP.PeriodEnd.After(f.clock.Now()))

	payments, err := f.manager.Payments(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	audit, err := f.manager.AuditBalance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestSweeper_DelayedSweepAdvancesOneCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "user1")
	_, err := f.service.ActivateVIP(ctx, "user1", "vip_700")
	require.NoError(t, err)

	f.clock.Advance(3*gocoin.BillingPeriod + time.Minute)
	s := f.sweeper(t, renewal.Config{})

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)

	balance, err := f.manager.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(1610), balance)

	// Each further pass catches up one more cycle
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
}

func TestSweeper_ConcurrentSweepsChargeOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"user1", "user2", "user3"} {
		f.user(t, id)
		_, err := f.service.ActivateVIP(ctx, id, "vip_700")
		require.NoError(t, err)
	}
	f.clock.Advance(gocoin.BillingPeriod + time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		renewed int
	)
	for i := 0; i < 4; i++ {
		s := f.sweeper(t, renewal.Config{Concurrency: 2})
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := s.Sweep(ctx)
			if err != nil {
				t.Errorf("Sweep failed: %v", err)
				return
			}
			mu.Lock()
			renewed += report.Renewed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, renewed)
	for _, id := range []string{"user1", "user2", "user3"} {
		balance, err := f.manager.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1610), balance, id)
	}
}

func TestSweeper_CancelAtPeriodEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "user1")

	_, err := f.service.ActivateSubscription(ctx, "user1", gocoin.PlanGold)
	require.NoError(t, err)
	lc, err := f.service.CancelAtPeriodEnd(ctx, "user1", gocoin.KindSubscription)
	require.NoError(t, err)
	assert.True(t, lc.CancelAtPeriodEnd())
	assert.Equal(t, gocoin.PlanGold, lc.Plan(), "plan is kept until the period ends")

	f.clock.Advance(gocoin.BillingPeriod + time.Minute)
	report, err := f.sweeper(t, renewal.Config{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Canceled)
	assert.Equal(t, 0, report.Renewed)

	user, err := f.manager.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gocoin.StatusCanceled, user.Subscription.Status)
	assert.Equal(t, gocoin.PlanFree, user.SubscriptionPlan())

	payments, err := f.manager.Payments(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Len(t, payments, 1, "no charge for a canceled period")
}

func TestSweeper_SkipsProviderBilledLifecycles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "user1")
	now := f.clock.Now()
	_, err := f.manager.UpdateLifecycle(ctx, "user1", gocoin.KindSubscription, func(lc *gocoin.Lifecycle) error {
		return lc.Activate(gocoin.ActivateParams{
			Provider:       gocoin.ProviderStripe,
			Plan:           gocoin.PlanPlatinum,
			SubscriptionID: "sub_1",
			PeriodStart:    now.Add(-gocoin.BillingPeriod - time.Hour),
			PeriodEnd:      now.Add(-time.Hour),
		})
	})
	require.NoError(t, err)

	report, err := f.sweeper(t, renewal.Config{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, renewal.Report{}, report)

	user, err := f.manager.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gocoin.StatusActive, user.Subscription.Status)
	assert.True(t, user.Subscription.PeriodEnd.Before(now))
}

// fakeLease grants or refuses the lease and stops the sweeper loop once it is done
type fakeLease struct {
	mu       sync.Mutex
	grant    bool
	acquired int
	released int
	stop     context.CancelFunc
}

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	if !l.grant {
		l.stop()
	}
	return l.grant, nil
}

func (l *fakeLease) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	l.stop()
	return nil
}

func TestSweeper_Run_Lease(t *testing.T) {
	tests := []struct {
		name     string
		grant    bool
		balance  int64
		released int
	}{
		{name: "held elsewhere", grant: false, balance: 805, released: 0},
		{name: "acquired", grant: true, balance: 1610, released: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.user(t, "user1")
			_, err := f.service.ActivateVIP(context.Background(), "user1", "vip_700")
			require.NoError(t, err)
			f.clock.Advance(gocoin.BillingPeriod + time.Minute)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			lease := &fakeLease{grant: tt.grant, stop: cancel}
			s := f.sweeper(t, renewal.Config{Interval: time.Hour, Lease: lease})

			done := make(chan struct{})
			go func() {
				s.Run(ctx)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after the lease stopped it")
			}

			assert.Equal(t, 1, lease.acquired)
			assert.Equal(t, tt.released, lease.released)
			balance, err := f.manager.Balance(context.Background(), "user1")
			require.NoError(t, err)
			assert.Equal(t, tt.balance, balance)
		})
	}
}
