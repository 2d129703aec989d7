package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Redirect is returned to the purchase UI after a checkout is started
type Redirect struct {
	PaymentID string
	SessionID string
	URL       string

	// Coins is the quoted coin total for coin checkouts, or the monthly grant for VIP
	Coins int64
	Price int64
}

// Initiator starts hosted checkouts and records them as pending payments
type Initiator struct {
	manager *gocoin.Manager
	gateway Gateway
	catalog *gocoin.Catalog
	metrics Metrics
	logger  gocoin.Logger

	successURL string
	cancelURL  string
}

// NewInitiator creates a checkout initiator
func NewInitiator(config Config) (*Initiator, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Initiator{
		manager:    config.Manager,
		gateway:    config.Gateway,
		catalog:    config.Catalog,
		metrics:    config.Metrics,
		logger:     config.Logger,
		successURL: config.SuccessURL,
		cancelURL:  config.CancelURL,
	}, nil
}

// StartCoinCheckout prices a coin pack and opens a one-time checkout for it.
// The VIP bonus applies when vipEnabled is set and no offer code is used.
func (i *Initiator) StartCoinCheckout(
	ctx context.Context, userID, packageID string, vipEnabled bool, offerCode string,
) (*Redirect, error) {
	user, err := i.manager.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	quote, err := i.catalog.QuoteCoins(packageID, vipEnabled, offerCode, i.manager.Now())
	if err != nil {
		i.metrics.RecordCheckout(string(i.gateway.Name()), string(gocoin.ModeCoins), "invalid")
		return nil, err
	}

	md := gocoin.EncodeMetadata(quote.Metadata(userID))
	rec := &gocoin.PaymentRecord{
		UserID:    userID,
		Provider:  i.gateway.Name(),
		Type:      gocoin.PaymentTypeCoin,
		Amount:    quote.Price,
		Currency:  quote.Currency,
		PackageID: quote.PackageID,
		Metadata:  md,
	}
	req := &CheckoutRequest{
		Mode:     gocoin.ModeCoins,
		Name:     quote.Name,
		Amount:   quote.Price,
		Currency: quote.Currency,
	}
	redirect, err := i.start(ctx, user, req, rec)
	if err != nil {
		return nil, err
	}
	redirect.Coins = quote.Coins
	return redirect, nil
}

// StartSubscriptionCheckout opens a recurring checkout for a paid plan
func (i *Initiator) StartSubscriptionCheckout(ctx context.Context, userID string, plan gocoin.Plan) (*Redirect, error) {
	user, err := i.manager.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	price, err := i.catalog.Plan(plan)
	if err != nil {
		i.metrics.RecordCheckout(string(i.gateway.Name()), string(gocoin.ModeSubscription), "invalid")
		return nil, err
	}

	md := gocoin.EncodeMetadata(&gocoin.SubscriptionMetadata{UserID: userID, Plan: plan})
	rec := &gocoin.PaymentRecord{
		UserID:   userID,
		Provider: i.gateway.Name(),
		Type:     gocoin.PaymentTypeSubscription,
		Amount:   price.MonthlyAmount,
		Currency: price.Currency,
		Plan:     plan,
		Metadata: md,
	}
	req := &CheckoutRequest{
		Mode:     gocoin.ModeSubscription,
		Name:     price.Name,
		Amount:   price.MonthlyAmount,
		Currency: price.Currency,
		PriceID:  price.ProviderPriceID,
	}
	return i.start(ctx, user, req, rec)
}

// StartVIPCheckout opens a recurring checkout for a VIP coin package
func (i *Initiator) StartVIPCheckout(ctx context.Context, userID, packageID string) (*Redirect, error) {
	user, err := i.manager.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	vip, vipMeta, err := i.catalog.QuoteVIP(userID, packageID)
	if err != nil {
		i.metrics.RecordCheckout(string(i.gateway.Name()), string(gocoin.ModeVIPCoinSubscription), "invalid")
		return nil, err
	}

	md := gocoin.EncodeMetadata(vipMeta)
	rec := &gocoin.PaymentRecord{
		UserID:    userID,
		Provider:  i.gateway.Name(),
		Type:      gocoin.PaymentTypeSubscription,
		Amount:    vip.MonthlyAmount,
		Currency:  vip.Currency,
		PackageID: vip.ID,
		Metadata:  md,
	}
	req := &CheckoutRequest{
		Mode:     gocoin.ModeVIPCoinSubscription,
		Name:     vip.Name,
		Amount:   vip.MonthlyAmount,
		Currency: vip.Currency,
		PriceID:  vip.ProviderPriceID,
	}
	redirect, err := i.start(ctx, user, req, rec)
	if err != nil {
		return nil, err
	}
	redirect.Coins = vipMeta.MonthlyCoins
	return redirect, nil
}

// start creates the provider session first, then the pending record keyed by the
// returned session id. A provider failure leaves no record behind.
func (i *Initiator) start(
	ctx context.Context, user *gocoin.User, req *CheckoutRequest, rec *gocoin.PaymentRecord,
) (*Redirect, error) {
	provider := string(i.gateway.Name())
	rec.ID = uuid.NewString()
	req.IdempotencyKey = "checkout-" + rec.ID
	req.UserID = user.ID
	req.CustomerID = customerOf(user)
	req.Metadata = rec.Metadata
	req.SuccessURL = i.successURL
	req.CancelURL = i.cancelURL

	handle, err := i.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		i.metrics.RecordCheckout(provider, string(req.Mode), "provider_error")
		i.logger.Error("Checkout session creation failed",
			gocoin.Field{Key: "user_id", Value: user.ID}, gocoin.Field{Key: "mode", Value: string(req.Mode)}, gocoin.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	rec.CheckoutSessionID = handle.ID
	stored, err := i.manager.CreatePending(ctx, rec)
	if err != nil {
		i.logger.Error("Pending payment not recorded for created session",
			gocoin.Field{Key: "user_id", Value: user.ID}, gocoin.Field{Key: "session_id", Value: handle.ID}, gocoin.Err(err))
		return nil, err
	}

	i.metrics.RecordCheckout(provider, string(req.Mode), "created")
	i.logger.Info("Checkout started",
		gocoin.Field{Key: "user_id", Value: user.ID},
		gocoin.Field{Key: "mode", Value: string(req.Mode)},
		gocoin.Field{Key: "payment_id", Value: stored.ID},
		gocoin.Field{Key: "session_id", Value: handle.ID})
	return &Redirect{PaymentID: stored.ID, SessionID: handle.ID, URL: handle.URL, Price: rec.Amount}, nil
}

// customerOf returns the provider customer already linked to the user, if any
func customerOf(user *gocoin.User) string {
	if user.Subscription.CustomerID != "" {
		return user.Subscription.CustomerID
	}
	return user.VIP.CustomerID
}
