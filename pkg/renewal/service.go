package renewal

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

const maxActivateAttempts = 3

// Activation is the first cycle charged by an internal-mode activation
type Activation struct {
	Payment *gocoin.PaymentRecord
	Coins   int64
	Balance int64
}

// Service starts and cancels lifecycles. Activation is internal mode only;
// cancellation also covers lifecycles billed by the gateway provider.
type Service struct {
	manager *gocoin.Manager
	catalog *gocoin.Catalog
	gateway billing.Gateway
	logger  gocoin.Logger
}

// NewService creates a lifecycle service. catalog defaults to gocoin.DefaultCatalog
// and gateway may be nil when no external provider is configured.
func NewService(manager *gocoin.Manager, catalog *gocoin.Catalog, gateway billing.Gateway) (*Service, error) {
	if manager == nil {
		return nil, gocoin.ErrStorageUnavailable
	}
	if catalog == nil {
		catalog = gocoin.DefaultCatalog()
	}
	return &Service{manager: manager, catalog: catalog, gateway: gateway, logger: manager.Logger()}, nil
}

// ActivateSubscription starts an internal-mode plan subscription and charges its first cycle
func (s *Service) ActivateSubscription(ctx context.Context, userID string, plan gocoin.Plan) (*Activation, error) {
	price, err := s.catalog.Plan(plan)
	if err != nil {
		return nil, err
	}
	md := &gocoin.SubscriptionMetadata{UserID: userID, Plan: plan}
	return s.activate(ctx, userID, gocoin.KindSubscription, md, 0, gocoin.ActivateParams{
		Provider:      gocoin.ProviderInternal,
		Plan:          plan,
		MonthlyAmount: price.MonthlyAmount,
		Currency:      price.Currency,
	})
}

// ActivateVIP starts an internal-mode VIP coin subscription and grants the first month of coins
func (s *Service) ActivateVIP(ctx context.Context, userID, packageID string) (*Activation, error) {
	vip, md, err := s.catalog.QuoteVIP(userID, packageID)
	if err != nil {
		return nil, err
	}
	return s.activate(ctx, userID, gocoin.KindVIP, md, md.MonthlyCoins, gocoin.ActivateParams{
		Provider:      gocoin.ProviderInternal,
		PackageID:     vip.ID,
		BonusPercent:  md.BonusPercent,
		MonthlyCoins:  md.MonthlyCoins,
		MonthlyAmount: vip.MonthlyAmount,
		Currency:      vip.Currency,
	})
}

// activate opens the first period and records its charge atomically with the lifecycle.
// The cycle key derives from the activation time, so a resubmitted activation is charged once.
func (s *Service) activate(
	ctx context.Context, userID string, kind gocoin.Kind, md gocoin.Metadata, coins int64, params gocoin.ActivateParams,
) (*Activation, error) {
	var lastErr error
	for attempt := 0; attempt < maxActivateAttempts; attempt++ {
		user, err := s.manager.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		lc := user.Lifecycle(kind)
		if lc.Live() {
			return nil, fmt.Errorf("%w: %s already %s", gocoin.ErrInvalidTransition, kind, lc.Status())
		}
		params.PeriodStart, params.PeriodEnd = gocoin.FirstPeriod(s.manager.Now())
		if err := lc.Activate(params); err != nil {
			return nil, err
		}

		meta := gocoin.EncodeMetadata(md)
		meta[gocoin.MetaCycleKey] = gocoin.CycleKey(kind, userID, lc.Item(), params.PeriodStart)
		meta[gocoin.MetaKind] = string(kind)
		payment := &gocoin.PaymentRecord{
			UserID:    userID,
			Provider:  gocoin.ProviderInternal,
			Type:      gocoin.PaymentTypeSubscription,
			Amount:    params.MonthlyAmount,
			Currency:  params.Currency,
			PackageID: params.PackageID,
			Plan:      params.Plan,
			Metadata:  meta,
		}
		res, err := s.manager.RecordCharge(ctx, gocoin.Charge{
			Payment:   payment,
			Coins:     coins,
			Notes:     map[string]string{gocoin.MetaKind: string(kind), "cycle": meta[gocoin.MetaCycleKey]},
			Lifecycle: lc,
		})
		if errors.Is(err, gocoin.ErrLifecycleConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("Internal lifecycle activated",
			gocoin.Field{Key: "user_id", Value: userID},
			gocoin.Field{Key: "kind", Value: kind},
			gocoin.Field{Key: "item", Value: lc.Item()})
		return &Activation{Payment: res.Payment, Coins: coins, Balance: res.Balance}, nil
	}
	return nil, lastErr
}

// CancelAtPeriodEnd stops renewal of a live lifecycle. Internal lifecycles are
// flagged locally and retired by the sweeper. Provider lifecycles are flagged at
// the provider first and written through locally only once it accepts; later
// subscription events overwrite the local flag with the provider's.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, userID string, kind gocoin.Kind) (*gocoin.Lifecycle, error) {
	user, err := s.manager.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	lc := user.Lifecycle(kind)
	if !lc.Live() {
		return nil, fmt.Errorf("%w: %s is %s", gocoin.ErrInvalidTransition, kind, lc.Status())
	}

	if !lc.Billable(gocoin.ProviderInternal) {
		if s.gateway == nil || !lc.Billable(s.gateway.Name()) {
			return nil, fmt.Errorf("%w: %s", billing.ErrProviderNotConfigured, lc.Provider())
		}
		if _, err := s.gateway.CancelAtPeriodEnd(ctx, lc.SubscriptionID()); err != nil {
			return nil, fmt.Errorf("%w: cancel %s: %w", billing.ErrProviderUnavailable, lc.SubscriptionID(), err)
		}
	}

	return s.manager.UpdateLifecycle(ctx, userID, kind, func(lc *gocoin.Lifecycle) error {
		if lc.CancelAtPeriodEnd() {
			return gocoin.ErrUnchanged
		}
		return lc.ScheduleCancel()
	})
}
