package renewal

import (
	"context"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// internalEffects applies billing cycles for lifecycles billed in internal mode.
// The cycle key stored in the payment metadata is the dedupe guard.
type internalEffects struct {
	manager *gocoin.Manager
}

var _ gocoin.BillingEffects = (*internalEffects)(nil)

func (e *internalEffects) CreditCycle(ctx context.Context, c gocoin.Cycle) (bool, error) {
	return e.manager.ChargeCycle(ctx, c, &gocoin.PaymentRecord{
		Provider: gocoin.ProviderInternal,
		Metadata: map[string]string{
			gocoin.MetaCycleKey: c.Key,
			gocoin.MetaKind:     string(c.Kind),
			gocoin.MetaUserID:   c.UserID,
		},
	})
}

func (e *internalEffects) RefreshPeriod(ctx context.Context, userID string, kind gocoin.Kind, p gocoin.SyncParams) error {
	_, err := e.manager.UpdateLifecycle(ctx, userID, kind, func(lc *gocoin.Lifecycle) error {
		if !lc.Billable(gocoin.ProviderInternal) {
			return gocoin.ErrUnchanged
		}
		return lc.Sync(p)
	})
	return err
}

func (e *internalEffects) MarkCanceled(ctx context.Context, userID string, kind gocoin.Kind) error {
	_, err := e.manager.UpdateLifecycle(ctx, userID, kind, func(lc *gocoin.Lifecycle) error {
		if !lc.Billable(gocoin.ProviderInternal) || lc.Status() == gocoin.StatusCanceled {
			return gocoin.ErrUnchanged
		}
		return lc.FinalizeCancel()
	})
	return err
}
