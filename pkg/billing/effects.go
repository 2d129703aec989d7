package billing

import (
	"context"
	"errors"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// providerEffects applies provider-driven cycle charges and resyncs.
// Cycle charges are keyed by the provider invoice id.
type providerEffects struct {
	manager  *gocoin.Manager
	provider gocoin.Provider
}

var _ gocoin.BillingEffects = (*providerEffects)(nil)

func (e *providerEffects) CreditCycle(ctx context.Context, c gocoin.Cycle) (bool, error) {
	if _, err := e.manager.FindPayment(ctx, gocoin.LinkExternalInvoice, c.Key); err == nil {
		return false, nil
	} else if !errors.Is(err, gocoin.ErrPaymentNotFound) {
		return false, err
	}
	return e.manager.ChargeCycle(ctx, c, &gocoin.PaymentRecord{
		Provider:          e.provider,
		ExternalInvoiceID: c.Key,
	})
}

func (e *providerEffects) RefreshPeriod(ctx context.Context, userID string, kind gocoin.Kind, p gocoin.SyncParams) error {
	_, err := e.manager.UpdateLifecycle(ctx, userID, kind, func(lc *gocoin.Lifecycle) error {
		if lc.Status() == gocoin.StatusNone {
			return gocoin.ErrUnchanged
		}
		return lc.Sync(p)
	})
	return err
}

func (e *providerEffects) MarkCanceled(ctx context.Context, userID string, kind gocoin.Kind) error {
	_, err := e.manager.UpdateLifecycle(ctx, userID, kind, func(lc *gocoin.Lifecycle) error {
		if lc.Status() == gocoin.StatusNone || lc.Status() == gocoin.StatusCanceled {
			return gocoin.ErrUnchanged
		}
		return lc.FinalizeCancel()
	})
	return err
}
