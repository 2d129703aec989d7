package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Result is how the reconciler resolved one event
type Result string

const (
	// ResultApplied means every mutation for the event committed
	ResultApplied Result = "applied"
	// ResultDuplicate means the event id was already processed; nothing changed
	ResultDuplicate Result = "duplicate"
	// ResultIgnored means the event type or object needs no local effect
	ResultIgnored Result = "ignored"
	// ResultDropped means the event could not be matched or contradicted stored
	// state. It is acknowledged and recorded, never retried.
	ResultDropped Result = "dropped"
)

var (
	errIgnored = errors.New("event ignored")

	// errNotReady marks events that arrived before the checkout that creates
	// their lifecycle. They fail so the provider redelivers them.
	errNotReady = errors.New("lifecycle not activated yet")
)

// Reconciler applies provider events exactly once
type Reconciler struct {
	manager    *gocoin.Manager
	gateway    Gateway
	effects    *providerEffects
	metrics    Metrics
	logger     gocoin.Logger
	staleAfter time.Duration
}

// NewReconciler creates a webhook reconciler
func NewReconciler(config Config) (*Reconciler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Reconciler{
		manager:    config.Manager,
		gateway:    config.Gateway,
		effects:    &providerEffects{manager: config.Manager, provider: config.Gateway.Name()},
		metrics:    config.Metrics,
		logger:     config.Logger,
		staleAfter: config.StalePendingAfter,
	}, nil
}

// Handle applies a verified event. The processed marker is written only after
// all mutations succeed, so a returned error leaves the event retryable.
func (r *Reconciler) Handle(ctx context.Context, ev *Event) (Result, error) {
	if ev == nil || ev.ID == "" {
		return "", ErrInvalidWebhookPayload
	}
	start := time.Now()
	provider := string(r.gateway.Name())
	eventType := string(ev.Type)

	result, err := r.handle(ctx, ev)
	if err != nil {
		r.metrics.RecordWebhookEvent(provider, eventType, "error")
	} else {
		r.metrics.RecordWebhookEvent(provider, eventType, string(result))
	}
	r.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, ev *Event) (Result, error) {
	fields := []gocoin.Field{{Key: "event_id", Value: ev.ID}, {Key: "event_type", Value: string(ev.Type)}}

	processed, err := r.manager.HasProcessed(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if processed {
		r.logger.Debug("Duplicate webhook event", fields...)
		return ResultDuplicate, nil
	}

	result := ResultApplied
	err = r.dispatch(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, errIgnored):
		return ResultIgnored, nil
	case dropped(err):
		r.logger.Warn("Dropping webhook event", append(fields, gocoin.Err(err))...)
		result = ResultDropped
	default:
		r.logger.Error("Webhook event processing failed", append(fields, gocoin.Err(err))...)
		return "", err
	}

	if err := r.manager.MarkProcessed(ctx, ev.ID, string(ev.Type), ev.Raw); err != nil {
		if errors.Is(err, gocoin.ErrEventExists) {
			return ResultDuplicate, nil
		}
		return "", err
	}
	if result == ResultApplied {
		r.logger.Info("Webhook event applied", fields...)
	}
	return result, nil
}

// dropped reports whether err means the event targets nothing we can safely mutate
func dropped(err error) bool {
	if errors.Is(err, errNotReady) {
		return false
	}
	return errors.Is(err, ErrInconsistentState) ||
		errors.Is(err, gocoin.ErrUserNotFound) ||
		errors.Is(err, gocoin.ErrInvalidMetadata) ||
		errors.Is(err, gocoin.ErrInvalidTransition)
}

func (r *Reconciler) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		if ev.Session == nil {
			return ErrInvalidWebhookPayload
		}
		_, err := r.completeSession(ctx, ev.Session, ev.Created)
		return err
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		return r.handleInvoicePaid(ctx, ev.Invoice)
	case EventInvoicePaymentFailed:
		return r.handleInvoiceFailed(ctx, ev.Invoice)
	case EventPaymentIntentSucceeded:
		return r.handlePaymentIntentSucceeded(ctx, ev.PaymentIntent, ev.Created)
	case EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, ev.Subscription)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, ev.Subscription)
	default:
		return errIgnored
	}
}

// completion is the outcome of settling a completed checkout session
type completion struct {
	Mode    gocoin.Mode
	UserID  string
	Payment *gocoin.PaymentRecord
	Settled bool
	Coins   int64 // credited by this call
	Balance int64
}

// completeSession settles a paid checkout session. It is shared by the webhook,
// the confirmation bridge and the stale pending sweep; the pending->succeeded
// swap makes whichever caller arrives first the only one that credits.
func (r *Reconciler) completeSession(ctx context.Context, s *Session, paidAt time.Time) (*completion, error) {
	if !s.Complete || !s.Paid {
		return nil, errIgnored
	}
	rec, md, err := r.purchaseFor(ctx, s)
	if err != nil {
		return nil, err
	}
	if paidAt.IsZero() {
		paidAt = r.manager.Now()
	}

	switch md := md.(type) {
	case *gocoin.CoinMetadata:
		return r.completeCoins(ctx, s, rec, md, paidAt)
	case *gocoin.SubscriptionMetadata:
		return r.completeRecurring(ctx, s, rec, md, paidAt)
	case *gocoin.VIPMetadata:
		return r.completeRecurring(ctx, s, rec, md, paidAt)
	default:
		return nil, fmt.Errorf("%w: unhandled mode %q", gocoin.ErrInvalidMetadata, md.Mode())
	}
}

// purchaseFor loads the pending record of a session and the purchase metadata.
// Session metadata is trusted first; the stored record is the fallback.
func (r *Reconciler) purchaseFor(ctx context.Context, s *Session) (*gocoin.PaymentRecord, gocoin.Metadata, error) {
	rec, err := r.manager.FindPayment(ctx, gocoin.LinkCheckoutSession, s.ID)
	if err != nil {
		if !errors.Is(err, gocoin.ErrPaymentNotFound) {
			return nil, nil, err
		}
		rec = nil
	}

	md, err := gocoin.DecodeMetadata(s.Metadata)
	if err != nil {
		if rec == nil {
			return nil, nil, fmt.Errorf("%w: session %s has no usable metadata and no payment record: %w",
				ErrInconsistentState, s.ID, err)
		}
		md, err = gocoin.DecodeMetadata(rec.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: payment %s: %w", ErrInconsistentState, rec.ID, err)
		}
	}
	if rec != nil && rec.UserID != md.Owner() {
		return nil, nil, fmt.Errorf("%w: session %s metadata owner %s, payment owner %s",
			ErrInconsistentState, s.ID, md.Owner(), rec.UserID)
	}
	return rec, md, nil
}

func (r *Reconciler) completeCoins(
	ctx context.Context, s *Session, rec *gocoin.PaymentRecord, md *gocoin.CoinMetadata, paidAt time.Time,
) (*completion, error) {
	orphan := gocoin.PaymentRecord{
		UserID:    md.UserID,
		Provider:  r.gateway.Name(),
		Type:      gocoin.PaymentTypeCoin,
		Amount:    s.AmountTotal,
		Currency:  s.Currency,
		PackageID: md.PackageID,
		Metadata:  gocoin.EncodeMetadata(md),
	}
	res, err := r.settle(ctx, s, rec, orphan, md.Coins, gocoin.Linkage{PaymentIntentID: s.PaymentIntentID}, paidAt)
	if err != nil {
		return nil, err
	}
	out := &completion{
		Mode:    gocoin.ModeCoins,
		UserID:  md.UserID,
		Payment: res.Payment,
		Settled: res.Settled,
		Balance: res.Balance,
	}
	if res.Settled {
		out.Coins = md.Coins
	}
	return out, nil
}

func (r *Reconciler) completeRecurring(
	ctx context.Context, s *Session, rec *gocoin.PaymentRecord, md gocoin.Metadata, paidAt time.Time,
) (*completion, error) {
	if s.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: %s session %s has no subscription", ErrInconsistentState, md.Mode(), s.ID)
	}
	sub, err := r.fetchSubscription(ctx, s.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CustomerID == "" {
		sub.CustomerID = s.CustomerID
	}

	amount, currency := s.AmountTotal, s.Currency
	if rec != nil {
		amount, currency = rec.Amount, rec.Currency
	}
	params := gocoin.ActivateParams{
		Provider:       r.gateway.Name(),
		Status:         sub.Status,
		MonthlyAmount:  amount,
		Currency:       currency,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
	}
	if !params.PeriodEnd.After(params.PeriodStart) {
		params.PeriodStart, params.PeriodEnd = gocoin.FirstPeriod(paidAt)
	}

	kind := gocoin.KindSubscription
	orphan := gocoin.PaymentRecord{
		UserID:   md.Owner(),
		Provider: r.gateway.Name(),
		Type:     gocoin.PaymentTypeSubscription,
		Amount:   amount,
		Currency: currency,
		Metadata: gocoin.EncodeMetadata(md),
	}
	var coins int64
	switch md := md.(type) {
	case *gocoin.SubscriptionMetadata:
		params.Plan = md.Plan
		orphan.Plan = md.Plan
	case *gocoin.VIPMetadata:
		kind = gocoin.KindVIP
		params.PackageID = md.PackageID
		params.BonusPercent = md.BonusPercent
		params.MonthlyCoins = md.MonthlyCoins
		orphan.PackageID = md.PackageID
		coins = md.MonthlyCoins
	}

	if _, err := r.manager.UpdateLifecycle(ctx, md.Owner(), kind, func(lc *gocoin.Lifecycle) error {
		if lc.SubscriptionID() == sub.ID && lc.Status() != gocoin.StatusNone {
			if lc.Status() == gocoin.StatusCanceled {
				return gocoin.ErrUnchanged
			}
			return lc.Sync(sub.SyncParams())
		}
		if sub.Status != gocoin.StatusActive && sub.Status != gocoin.StatusTrialing {
			return gocoin.ErrUnchanged
		}
		return lc.Activate(params)
	}); err != nil {
		return nil, err
	}

	link := gocoin.Linkage{SubscriptionID: sub.ID, PaymentIntentID: s.PaymentIntentID}
	if coins > 0 {
		// The first invoice grants the first VIP cycle. If invoice.paid already
		// recorded it, the checkout payment settles without coins.
		link.ExternalInvoiceID = s.InvoiceID
		if taken, err := r.invoiceRecorded(ctx, s.InvoiceID, rec); err != nil {
			return nil, err
		} else if taken {
			coins = 0
			link.ExternalInvoiceID = ""
		}
	}

	res, err := r.settle(ctx, s, rec, orphan, coins, link, paidAt)
	if errors.Is(err, gocoin.ErrDuplicatePayment) && link.ExternalInvoiceID != "" {
		coins = 0
		link.ExternalInvoiceID = ""
		res, err = r.settle(ctx, s, rec, orphan, coins, link, paidAt)
	}
	if err != nil {
		return nil, err
	}

	out := &completion{
		Mode:    md.Mode(),
		UserID:  md.Owner(),
		Payment: res.Payment,
		Settled: res.Settled,
		Balance: res.Balance,
	}
	if res.Settled {
		out.Coins = coins
	}
	return out, nil
}

// invoiceRecorded reports whether another payment already holds the invoice id
func (r *Reconciler) invoiceRecorded(ctx context.Context, invoiceID string, own *gocoin.PaymentRecord) (bool, error) {
	if invoiceID == "" {
		return false, nil
	}
	existing, err := r.manager.FindPayment(ctx, gocoin.LinkExternalInvoice, invoiceID)
	if errors.Is(err, gocoin.ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return own == nil || existing.ID != own.ID, nil
}

// settle swaps the session's pending record to succeeded with its credit.
// A session whose pending record was never written is recorded directly.
func (r *Reconciler) settle(
	ctx context.Context, s *Session, rec *gocoin.PaymentRecord, orphan gocoin.PaymentRecord,
	coins int64, link gocoin.Linkage, paidAt time.Time,
) (*gocoin.SettleResult, error) {
	notes := map[string]string{"checkoutSessionId": s.ID}
	if rec == nil {
		orphan.CheckoutSessionID = s.ID
		orphan.PaymentIntentID = link.PaymentIntentID
		orphan.ExternalInvoiceID = link.ExternalInvoiceID
		orphan.SubscriptionID = link.SubscriptionID
		orphan.PaidAt = &paidAt
		res, err := r.manager.RecordCharge(ctx, gocoin.Charge{Payment: &orphan, Coins: coins, Notes: notes})
		if err == nil {
			r.logger.Warn("Recorded checkout without pending payment",
				gocoin.Field{Key: "session_id", Value: s.ID}, gocoin.Field{Key: "user_id", Value: orphan.UserID})
			return res, nil
		}
		if !errors.Is(err, gocoin.ErrDuplicatePayment) {
			return nil, err
		}
		// The pending record may have landed concurrently.
		rec, err = r.manager.FindPayment(ctx, gocoin.LinkCheckoutSession, s.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: checkout %s: %w", gocoin.ErrDuplicatePayment, s.ID, err)
		}
	}
	return r.manager.Settle(ctx, gocoin.Settlement{
		PaymentID: rec.ID,
		PaidAt:    paidAt,
		Linkage:   link,
		Coins:     coins,
		Notes:     notes,
	})
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, inv *Invoice) error {
	if inv == nil || inv.ID == "" {
		return ErrInvalidWebhookPayload
	}
	if inv.SubscriptionID == "" {
		return errIgnored
	}
	user, kind, err := r.subscriber(ctx, inv.Metadata, inv.CustomerID, inv.SubscriptionID)
	if err != nil {
		return err
	}
	lc := user.Lifecycle(kind)
	if lc.SubscriptionID() != inv.SubscriptionID {
		if lc.Status() == gocoin.StatusNone || inv.BillingReason == "subscription_create" {
			return fmt.Errorf("%w: invoice %s for %s", errNotReady, inv.ID, inv.SubscriptionID)
		}
		return fmt.Errorf("%w: invoice %s subscription %s, user %s holds %q",
			ErrInconsistentState, inv.ID, inv.SubscriptionID, user.ID, lc.SubscriptionID())
	}

	start, end := inv.PeriodStart, inv.PeriodEnd
	if !end.After(start) {
		sub, err := r.fetchSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		start, end = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	}

	var coins int64
	if kind == gocoin.KindVIP {
		coins = lc.MonthlyCoins()
	}
	charged, err := r.effects.CreditCycle(ctx, gocoin.Cycle{
		UserID:          user.ID,
		Kind:            kind,
		Key:             inv.ID,
		Amount:          inv.AmountPaid,
		Currency:        inv.Currency,
		Coins:           coins,
		PeriodStart:     start,
		PeriodEnd:       end,
		PaidAt:          inv.PaidAt,
		SubscriptionID:  inv.SubscriptionID,
		PaymentIntentID: inv.PaymentIntentID,
	})
	if err != nil {
		return err
	}
	if !charged {
		r.logger.Debug("Invoice already recorded",
			gocoin.Field{Key: "invoice_id", Value: inv.ID}, gocoin.Field{Key: "user_id", Value: user.ID})
	}
	return nil
}

func (r *Reconciler) handleInvoiceFailed(ctx context.Context, inv *Invoice) error {
	if inv == nil || inv.ID == "" {
		return ErrInvalidWebhookPayload
	}
	if inv.SubscriptionID == "" {
		return errIgnored
	}
	user, kind, err := r.subscriber(ctx, inv.Metadata, inv.CustomerID, inv.SubscriptionID)
	if err != nil {
		return err
	}
	_, err = r.manager.UpdateLifecycle(ctx, user.ID, kind, func(lc *gocoin.Lifecycle) error {
		if lc.SubscriptionID() != inv.SubscriptionID || !lc.Live() {
			return gocoin.ErrUnchanged
		}
		return lc.MarkPastDue()
	})
	return err
}

func (r *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, pi *PaymentIntent, paidAt time.Time) error {
	if pi == nil || pi.ID == "" {
		return ErrInvalidWebhookPayload
	}
	rec, err := r.manager.FindPayment(ctx, gocoin.LinkPaymentIntent, pi.ID)
	if errors.Is(err, gocoin.ErrPaymentNotFound) {
		// Checkout payments are linked by checkout.session.completed
		return errIgnored
	}
	if err != nil {
		return err
	}
	if rec.Status == gocoin.PaymentSucceeded {
		return nil
	}

	var coins int64
	if rec.Type == gocoin.PaymentTypeCoin {
		md, err := gocoin.DecodeMetadata(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%w: payment %s: %w", ErrInconsistentState, rec.ID, err)
		}
		coinMeta, ok := md.(*gocoin.CoinMetadata)
		if !ok {
			return fmt.Errorf("%w: coin payment %s carries %s metadata", ErrInconsistentState, rec.ID, md.Mode())
		}
		coins = coinMeta.Coins
	}
	if paidAt.IsZero() {
		paidAt = r.manager.Now()
	}
	_, err = r.manager.Settle(ctx, gocoin.Settlement{
		PaymentID: rec.ID,
		PaidAt:    paidAt,
		Coins:     coins,
		Notes:     map[string]string{"paymentIntentId": pi.ID},
	})
	return err
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return ErrInvalidWebhookPayload
	}
	latest, err := r.fetchSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if latest.CustomerID == "" {
		latest.CustomerID = sub.CustomerID
	}
	if latest.Metadata == nil {
		latest.Metadata = sub.Metadata
	}
	user, kind, err := r.subscriber(ctx, latest.Metadata, latest.CustomerID, latest.ID)
	if err != nil {
		return err
	}
	if user.Lifecycle(kind).SubscriptionID() != latest.ID {
		// Checkout completion activates the lifecycle from the latest object
		return errIgnored
	}
	if latest.Status == gocoin.StatusCanceled {
		return r.effects.MarkCanceled(ctx, user.ID, kind)
	}
	return r.effects.RefreshPeriod(ctx, user.ID, kind, latest.SyncParams())
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return ErrInvalidWebhookPayload
	}
	user, kind, err := r.subscriber(ctx, sub.Metadata, sub.CustomerID, sub.ID)
	if err != nil {
		return err
	}
	if user.Lifecycle(kind).SubscriptionID() != sub.ID {
		return errIgnored
	}
	return r.effects.MarkCanceled(ctx, user.ID, kind)
}

// subscriber resolves the user and lifecycle kind of a provider subscription.
// The lifecycle holding the subscription id wins; metadata mode is the fallback.
func (r *Reconciler) subscriber(
	ctx context.Context, md map[string]string, customerID, subscriptionID string,
) (*gocoin.User, gocoin.Kind, error) {
	user, err := r.manager.ResolveUser(ctx, md[gocoin.MetaUserID], customerID, subscriptionID)
	if err != nil {
		return nil, "", err
	}
	switch {
	case user.VIP.SubscriptionID == subscriptionID:
		return user, gocoin.KindVIP, nil
	case user.Subscription.SubscriptionID == subscriptionID:
		return user, gocoin.KindSubscription, nil
	}
	switch gocoin.Mode(md[gocoin.MetaMode]) {
	case gocoin.ModeVIPCoinSubscription:
		return user, gocoin.KindVIP, nil
	case gocoin.ModeSubscription:
		return user, gocoin.KindSubscription, nil
	}
	return nil, "", fmt.Errorf("%w: subscription %s matches no lifecycle of user %s",
		ErrInconsistentState, subscriptionID, user.ID)
}

func (r *Reconciler) fetchSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := r.gateway.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve subscription %s: %w", ErrProviderUnavailable, id, err)
	}
	return sub, nil
}

// ExpireStalePending reconciles external pending payments older than the
// configured cutoff: paid sessions are settled, the rest are marked failed.
func (r *Reconciler) ExpireStalePending(ctx context.Context, limit int) (settled, failed int, err error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := r.manager.Now().Add(-r.staleAfter)
	stale, err := r.manager.StalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, err
	}

	for i := range stale {
		rec := &stale[i]
		if rec.Provider != r.gateway.Name() {
			continue
		}
		if rec.CheckoutSessionID != "" {
			s, err := r.gateway.GetSession(ctx, rec.CheckoutSessionID)
			if err != nil {
				r.logger.Warn("Stale pending session lookup failed",
					gocoin.Field{Key: "payment_id", Value: rec.ID}, gocoin.Err(err))
				continue
			}
			if s.Complete && s.Paid {
				if _, err := r.completeSession(ctx, s, s.Created); err != nil {
					r.logger.Warn("Stale pending settlement failed",
						gocoin.Field{Key: "payment_id", Value: rec.ID}, gocoin.Err(err))
					continue
				}
				settled++
				continue
			}
		}
		ok, err := r.manager.FailPayment(ctx, rec.ID)
		if err != nil {
			return settled, failed, err
		}
		if ok {
			failed++
		}
	}
	if settled > 0 || failed > 0 {
		r.logger.Info("Stale pending payments reconciled",
			gocoin.Field{Key: "settled", Value: settled}, gocoin.Field{Key: "failed", Value: failed})
	}
	return settled, failed, nil
}
