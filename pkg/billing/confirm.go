package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gocoin/pkg/billing/internal"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Confirmation is returned to a user coming back from checkout
type Confirmation struct {
	Confirmed bool        `json:"confirmed"`
	Mode      gocoin.Mode `json:"mode,omitempty"`
	PaymentID string      `json:"payment_id,omitempty"`

	// Coins credited by this confirmation; zero when the webhook got there first
	Coins   int64 `json:"coins"`
	Balance int64 `json:"balance"`
}

// Confirmer is the synchronous return path from checkout. It settles coin
// purchases with the same credit-once step as the webhook and only unblocks
// the payment record for subscriptions, leaving lifecycle state to the webhook.
type Confirmer struct {
	reconciler *Reconciler
}

// NewConfirmer creates a confirmation bridge sharing the reconciler's settlement path
func NewConfirmer(r *Reconciler) *Confirmer {
	return &Confirmer{reconciler: r}
}

// Confirm checks a returned session for userID
func (c *Confirmer) Confirm(ctx context.Context, userID, sessionID string) (*Confirmation, error) {
	r := c.reconciler
	provider := string(r.gateway.Name())
	if userID == "" || sessionID == "" {
		return nil, ErrSessionOwnership
	}

	s, err := r.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve session %s: %w", ErrProviderUnavailable, sessionID, err)
	}
	rec, md, err := r.purchaseFor(ctx, s)
	if err != nil {
		if errors.Is(err, ErrInconsistentState) {
			r.metrics.RecordConfirmation(provider, "", "rejected")
			return nil, fmt.Errorf("%w: %w", ErrSessionOwnership, err)
		}
		return nil, err
	}
	if md.Owner() != userID {
		r.metrics.RecordConfirmation(provider, string(md.Mode()), "rejected")
		r.logger.Warn("Session confirmation rejected",
			gocoin.Field{Key: "user_id", Value: userID},
			gocoin.Field{Key: "session_id", Value: sessionID},
			gocoin.Field{Key: "owner", Value: md.Owner()})
		return nil, ErrSessionOwnership
	}

	out := &Confirmation{Mode: md.Mode()}
	if rec != nil {
		out.PaymentID = rec.ID
	}
	if !s.Complete || !s.Paid {
		balance, err := r.manager.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		out.Balance = balance
		r.metrics.RecordConfirmation(provider, string(md.Mode()), "pending")
		return out, nil
	}

	if coinMeta, ok := md.(*gocoin.CoinMetadata); ok {
		done, err := r.completeCoins(ctx, s, rec, coinMeta, r.manager.Now())
		if err != nil {
			return nil, err
		}
		out.Confirmed = true
		out.PaymentID = done.Payment.ID
		out.Coins = done.Coins
		out.Balance = done.Balance
		c.recordSettled(provider, md.Mode(), done.Settled)
		return out, nil
	}

	settled := false
	if rec != nil {
		res, err := r.manager.Settle(ctx, gocoin.Settlement{
			PaymentID: rec.ID,
			PaidAt:    r.manager.Now(),
			Linkage:   gocoin.Linkage{SubscriptionID: s.SubscriptionID, PaymentIntentID: s.PaymentIntentID},
		})
		if err != nil {
			return nil, err
		}
		settled = res.Settled
	}
	balance, err := r.manager.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.Confirmed = true
	out.Balance = balance
	c.recordSettled(provider, md.Mode(), settled)
	return out, nil
}

func (c *Confirmer) recordSettled(provider string, mode gocoin.Mode, settled bool) {
	result := "already_settled"
	if settled {
		result = "credited"
	}
	c.reconciler.metrics.RecordConfirmation(provider, string(mode), result)
}

// Handler serves GET/POST ?session_id=<id> for the user returned by identify.
// identify returns "" for unauthenticated requests.
func (c *Confirmer) Handler(identify func(r *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal.SetSecurityHeaders(w)
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		userID := identify(r)
		if userID == "" {
			internal.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			internal.WriteError(w, http.StatusBadRequest, "session_id is required")
			return
		}

		out, err := c.Confirm(r.Context(), userID, sessionID)
		if err != nil {
			status, msg := StatusForError(err)
			internal.WriteError(w, status, msg)
			return
		}
		_ = internal.WriteJSON(w, http.StatusOK, out)
	})
}

// StatusForError maps billing and core errors to an HTTP status and a client message
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionOwnership):
		return http.StatusForbidden, "checkout session does not belong to user"
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "payment provider unavailable, retry later"
	case errors.Is(err, gocoin.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, gocoin.ErrEntryNotFound):
		return http.StatusNotFound, "spend not found"
	case errors.Is(err, gocoin.ErrPackageNotFound),
		errors.Is(err, gocoin.ErrGiftNotFound),
		errors.Is(err, gocoin.ErrPlanNotFound),
		errors.Is(err, gocoin.ErrInvalidOfferCode),
		errors.Is(err, gocoin.ErrInvalidAmount),
		errors.Is(err, gocoin.ErrInvalidMetadata):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, gocoin.ErrInvalidTransition), errors.Is(err, gocoin.ErrAlreadyRefunded):
		return http.StatusConflict, err.Error()
	case errors.Is(err, gocoin.ErrCircuitOpen), errors.Is(err, gocoin.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
