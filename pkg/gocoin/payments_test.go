package gocoin_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

func TestULIDInvoices(t *testing.T) {
	gen := gocoin.NewULIDInvoices("INV-")
	a := gen.NextInvoiceID()
	b := gen.NextInvoiceID()
	assert.True(t, strings.HasPrefix(a, "INV-"))
	assert.Len(t, a, len("INV-")+26)
	assert.NotEqual(t, a, b)
}

func TestManager_CreatePendingAndSettle(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)

	md := &gocoin.CoinMetadata{UserID: "user1", PackageID: "coins_700", Coins: 700, BaseCoins: 700}
	rec, err := manager.CreatePending(ctx, &gocoin.PaymentRecord{
		UserID:            "user1",
		Provider:          gocoin.ProviderStripe,
		Type:              gocoin.PaymentTypeCoin,
		Amount:            499,
		Currency:          "usd",
		Status:            gocoin.PaymentSucceeded,
		CheckoutSessionID: "cs_1",
		PackageID:         "coins_700",
		Metadata:          gocoin.EncodeMetadata(md),
	})
	require.NoError(t, err)
	assert.Equal(t, gocoin.PaymentPending, rec.Status, "new records are always pending")
	assert.Empty(t, rec.InvoiceID)

	paidAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	res, err := manager.Settle(ctx, gocoin.Settlement{
		PaymentID: rec.ID,
		PaidAt:    paidAt,
		Linkage:   gocoin.Linkage{PaymentIntentID: "pi_1"},
		Coins:     700,
	})
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, int64(700), res.Balance)
	assert.True(t, strings.HasPrefix(res.Payment.InvoiceID, "INV-"))
	assert.Equal(t, paidAt, *res.Payment.PaidAt)

	again, err := manager.Settle(ctx, gocoin.Settlement{PaymentID: rec.ID, Coins: 700})
	require.NoError(t, err)
	assert.False(t, again.Settled)
	assert.Equal(t, int64(700), again.Balance)
	assert.Equal(t, res.Payment.InvoiceID, again.Payment.InvoiceID)

	byIntent, err := manager.FindPayment(ctx, gocoin.LinkPaymentIntent, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byIntent.ID)

	_, err = manager.FindPayment(ctx, gocoin.LinkPaymentIntent, "")
	assert.ErrorIs(t, err, gocoin.ErrPaymentNotFound)
}

func TestManager_CreatePending_Validation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.CreatePending(ctx, &gocoin.PaymentRecord{UserID: ""})
	assert.ErrorIs(t, err, gocoin.ErrUserNotFound)
	_, err = manager.CreatePending(ctx, &gocoin.PaymentRecord{UserID: "user1", Amount: -1})
	assert.ErrorIs(t, err, gocoin.ErrInvalidAmount)
}

func TestManager_Settle_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)
	rec, err := manager.CreatePending(ctx, &gocoin.PaymentRecord{UserID: "user1", Provider: gocoin.ProviderStripe, Type: gocoin.PaymentTypeCoin})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Settle(ctx, gocoin.Settlement{PaymentID: rec.ID, Coins: 805})
		}()
	}
	wg.Wait()

	balance, _ := manager.Balance(ctx, "user1")
	assert.Equal(t, int64(805), balance)
	audit, _ := manager.AuditBalance(ctx, "user1")
	assert.True(t, audit.Consistent())
}

func TestManager_MarkSucceededAndFail(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)

	sub, err := manager.CreatePending(ctx, &gocoin.PaymentRecord{UserID: "user1", Type: gocoin.PaymentTypeSubscription, Plan: gocoin.PlanGold})
	require.NoError(t, err)
	out, err := manager.MarkSucceeded(ctx, sub.ID, time.Time{}, gocoin.Linkage{SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, gocoin.PaymentSucceeded, out.Status)
	assert.Equal(t, "sub_1", out.SubscriptionID)
	balance, _ := manager.Balance(ctx, "user1")
	assert.Equal(t, int64(0), balance)

	pending, err := manager.CreatePending(ctx, &gocoin.PaymentRecord{UserID: "user1"})
	require.NoError(t, err)
	changed, err := manager.FailPayment(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	// A late success still settles a failed record
	res, err := manager.Settle(ctx, gocoin.Settlement{PaymentID: pending.ID, Coins: 100})
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, int64(100), res.Balance)
}

func TestManager_RecordCharge(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	mustUser(t, manager, "user1", 0)
	now := time.Now().UTC()

	user, _ := manager.GetUser(ctx, "user1")
	lc := user.Lifecycle(gocoin.KindVIP)
	require.NoError(t, lc.Activate(gocoin.ActivateParams{
		Provider: gocoin.ProviderInternal, PackageID: "vip_700", MonthlyCoins: 805, PeriodStart: now, PeriodEnd: now.Add(gocoin.BillingPeriod),
	}))

	key := gocoin.CycleKey(gocoin.KindVIP, "user1", "vip_700", now)
	charge := gocoin.Charge{
		Payment: &gocoin.PaymentRecord{
			UserID: "user1", Provider: gocoin.ProviderInternal, Type: gocoin.PaymentTypeCoin, Amount: 499,
			Metadata: map[string]string{gocoin.MetaCycleKey: key},
		},
		Coins:     805,
		Lifecycle: lc,
	}
	res, err := manager.RecordCharge(ctx, charge)
	require.NoError(t, err)
	assert.Equal(t, int64(805), res.Balance)
	assert.Equal(t, gocoin.PaymentSucceeded, res.Payment.Status)
	assert.NotEmpty(t, res.Payment.InvoiceID)
	assert.NotNil(t, res.Payment.PaidAt)

	user, _ = manager.GetUser(ctx, "user1")
	assert.True(t, user.VIPEnabled())

	_, err = manager.RecordCharge(ctx, gocoin.Charge{
		Payment: &gocoin.PaymentRecord{UserID: "user1", Metadata: map[string]string{gocoin.MetaCycleKey: key}},
		Coins:   805,
	})
	assert.ErrorIs(t, err, gocoin.ErrDuplicatePayment)
	balance, _ := manager.Balance(ctx, "user1")
	assert.Equal(t, int64(805), balance)

	payments, err := manager.Payments(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestManager_Idempotency(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	seen, err := manager.HasProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, manager.MarkProcessed(ctx, "evt_1", "invoice.paid", []byte(`{}`)))
	assert.ErrorIs(t, manager.MarkProcessed(ctx, "evt_1", "invoice.paid", nil), gocoin.ErrEventExists)

	seen, _ = manager.HasProcessed(ctx, "evt_1")
	assert.True(t, seen)
}
