package gocoin_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

func activeVIP(t *testing.T, m *gocoin.Manager, userID string, periodEnd time.Time) {
	t.Helper()
	_, err := m.UpdateLifecycle(context.Background(), userID, gocoin.KindVIP, func(lc *gocoin.Lifecycle) error {
		return lc.Activate(gocoin.ActivateParams{
			Provider:      gocoin.ProviderInternal,
			PackageID:     "vip_700",
			BonusPercent:  15,
			MonthlyCoins:  805,
			MonthlyAmount: 499,
			Currency:      "usd",
			PeriodStart:   periodEnd.Add(-gocoin.BillingPeriod),
			PeriodEnd:     periodEnd,
		})
	})
	require.NoError(t, err)
}

func TestManager_ChargeCycle(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)
	prevEnd := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	activeVIP(t, manager, "user1", prevEnd)

	start, end := gocoin.NextPeriod(prevEnd)
	key := gocoin.CycleKey(gocoin.KindVIP, "user1", "vip_700", prevEnd)
	cycle := gocoin.Cycle{
		UserID: "user1", Kind: gocoin.KindVIP, Key: key,
		Coins: 805, PeriodStart: start, PeriodEnd: end,
	}
	payment := &gocoin.PaymentRecord{
		Provider: gocoin.ProviderInternal,
		Metadata: map[string]string{gocoin.MetaCycleKey: key},
	}

	charged, err := manager.ChargeCycle(ctx, cycle, payment)
	require.NoError(t, err)
	assert.True(t, charged)

	charged, err = manager.ChargeCycle(ctx, cycle, payment)
	require.NoError(t, err)
	assert.False(t, charged, "same cycle key must not charge twice")

	user, err := manager.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(805), user.Coins)
	assert.True(t, user.VIP.PeriodEnd.Equal(end))

	rec, err := storage.FindPayment(ctx, gocoin.LinkCycleKey, key)
	require.NoError(t, err)
	assert.Equal(t, gocoin.PaymentSucceeded, rec.Status)
	assert.Equal(t, int64(499), rec.Amount)
	assert.Equal(t, "vip_700", rec.PackageID)
	assert.NotEmpty(t, rec.InvoiceID)
}

func TestManager_ChargeCycle_Concurrent(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)
	prevEnd := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	activeVIP(t, manager, "user1", prevEnd)

	start, end := gocoin.NextPeriod(prevEnd)
	key := gocoin.CycleKey(gocoin.KindVIP, "user1", "vip_700", prevEnd)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			charged, err := manager.ChargeCycle(ctx, gocoin.Cycle{
				UserID: "user1", Kind: gocoin.KindVIP, Key: key,
				Coins: 805, PeriodStart: start, PeriodEnd: end,
			}, &gocoin.PaymentRecord{
				Provider: gocoin.ProviderInternal,
				Metadata: map[string]string{gocoin.MetaCycleKey: key},
			})
			if err != nil {
				t.Errorf("ChargeCycle failed: %v", err)
				return
			}
			if charged {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	balance, err := manager.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(805), balance)
}

func TestManager_ChargeCycle_CanceledLifecycle(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)
	prevEnd := time.Now().UTC().Add(-time.Hour)
	activeVIP(t, manager, "user1", prevEnd)
	_, err := manager.UpdateLifecycle(ctx, "user1", gocoin.KindVIP, func(lc *gocoin.Lifecycle) error {
		return lc.FinalizeCancel()
	})
	require.NoError(t, err)

	start, end := gocoin.NextPeriod(prevEnd)
	_, err = manager.ChargeCycle(ctx, gocoin.Cycle{
		UserID: "user1", Kind: gocoin.KindVIP, Key: "k", Coins: 805, PeriodStart: start, PeriodEnd: end,
	}, &gocoin.PaymentRecord{Metadata: map[string]string{gocoin.MetaCycleKey: "k"}})
	assert.ErrorIs(t, err, gocoin.ErrInvalidTransition)
}
