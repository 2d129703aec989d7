package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/pkg/renewal"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 16 << 10
)

// Handler provides HTTP endpoints for accounts, balances, history, spends, checkout and lifecycles
type Handler struct {
	config Config
}

// Routes registers the handler endpoints on r. Optional endpoints are only
// registered when their dependency is configured.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.CreateUser)
	r.Get("/balance", h.GetBalance)
	r.Get("/ledger", h.GetLedger)
	r.Get("/payments", h.GetPayments)

	if h.config.Pricing != nil {
		r.Post("/spends", h.Spend)
		r.Post("/spends/{id}/refund", h.RefundSpend)
	}
	if h.config.Initiator != nil {
		r.Post("/checkout", h.StartCheckout)
	}
	if h.config.Confirmer != nil {
		confirm := h.config.Confirmer.Handler(h.config.GetUserID)
		r.Method(http.MethodGet, "/checkout/confirm", confirm)
		r.Method(http.MethodPost, "/checkout/confirm", confirm)
	}
	if h.config.Lifecycles != nil {
		r.Post("/lifecycles/{kind}/activate", h.Activate)
		r.Post("/lifecycles/{kind}/cancel", h.Cancel)
	}
}

// CreateUser provisions the authenticated identity with a zero balance.
// Repeated calls return the existing account with 200.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, created, err := h.config.Manager.EnsureUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, balanceResponse(user))
}

// GetBalance returns the user's coins and membership state
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, err := h.config.Manager.GetUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse(user))
}

// GetLedger returns the most recent ledger entries, newest first
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, err := h.limit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	entries, err := h.config.Manager.LedgerHistory(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]LedgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryView{
			ID:           e.ID,
			Delta:        e.Delta,
			BalanceAfter: e.BalanceAfter,
			Reason:       string(e.Reason),
			PaymentID:    e.PaymentID,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPayments returns the most recent payment records, newest first
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, err := h.limit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	payments, err := h.config.Manager.Payments(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]PaymentView, 0, len(payments))
	for i := range payments {
		p := &payments[i]
		out = append(out, PaymentView{
			ID:         p.ID,
			InvoiceID:  p.InvoiceID,
			Provider:   string(p.Provider),
			Type:       string(p.Type),
			Status:     string(p.Status),
			Amount:     p.Amount,
			Currency:   p.Currency,
			PackageID:  p.PackageID,
			Plan:       string(p.Plan),
			CoinsAdded: p.CoinsAdded,
			PaidAt:     p.PaidAt,
			CreatedAt:  p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Spend charges a message, photo unlock or gift at the configured price and returns
// the spend id. The caller refunds the spend through RefundSpend if its action fails.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req SpendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := r.Context()
	pricing, err := h.config.Pricing.Pricing(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	spend, err := spendRequest(pricing, userID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if spend.Amount == 0 {
		user, err := h.config.Manager.GetUser(ctx, userID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SpendResponse{Kind: req.Kind, Balance: user.Coins})
		return
	}
	entry, err := h.config.Manager.Charge(ctx, spend)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SpendResponse{
		SpendID: entry.ID,
		Kind:    req.Kind,
		Cost:    spend.Amount,
		Balance: entry.BalanceAfter,
	})
}

// RefundSpend credits back one of the user's spends. A spend is refunded once; a
// repeated refund is 409.
func (h *Handler) RefundSpend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	spendID := chi.URLParam(r, "id")
	entry, err := h.config.Manager.RefundSpend(r.Context(), userID, spendID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefundResponse{
		SpendID:  spendID,
		RefundID: entry.ID,
		Refunded: entry.Delta,
		Balance:  entry.BalanceAfter,
	})
}

// StartCheckout opens a hosted checkout for a coin pack, plan or VIP package.
// The VIP coin bonus follows the user's stored VIP state, never the request.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		redirect *billing.Redirect
		err      error
	)
	switch gocoin.Mode(req.Mode) {
	case gocoin.ModeCoins:
		user, uerr := h.config.Manager.GetUser(ctx, userID)
		if uerr != nil {
			h.handleError(w, r, uerr)
			return
		}
		redirect, err = h.config.Initiator.StartCoinCheckout(ctx, userID, req.PackageID, user.VIPEnabled(), req.OfferCode)
	case gocoin.ModeSubscription:
		redirect, err = h.config.Initiator.StartSubscriptionCheckout(ctx, userID, gocoin.Plan(req.Plan))
	case gocoin.ModeVIPCoinSubscription:
		redirect, err = h.config.Initiator.StartVIPCheckout(ctx, userID, req.PackageID)
	default:
		err = fmt.Errorf("%w: unknown mode %q", gocoin.ErrInvalidMetadata, req.Mode)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutResponse{
		PaymentID: redirect.PaymentID,
		SessionID: redirect.SessionID,
		URL:       redirect.URL,
		Coins:     redirect.Coins,
		Price:     redirect.Price,
	})
}

// Activate starts an internal-mode subscription or VIP lifecycle and charges its first cycle
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req ActivateRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := r.Context()
	svc := h.config.Lifecycles
	var act *renewal.Activation
	if kind == gocoin.KindVIP {
		act, err = svc.ActivateVIP(ctx, userID, req.PackageID)
	} else {
		act, err = svc.ActivateSubscription(ctx, userID, gocoin.Plan(req.Plan))
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	user, err := h.config.Manager.GetUser(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ActivateResponse{
		PaymentID: act.Payment.ID,
		InvoiceID: act.Payment.InvoiceID,
		Coins:     act.Coins,
		Balance:   act.Balance,
		Lifecycle: lifecycleView(user.Lifecycle(kind)),
	})
}

// Cancel stops renewal of a live lifecycle at the end of its current period
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	lc, err := h.config.Lifecycles.CancelAtPeriodEnd(r.Context(), userID, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lifecycleView(lc))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", errBadRequest))
		return "", false
	}
	return userID, true
}

func (h *Handler) limit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return h.config.HistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func spendRequest(pricing gocoin.Pricing, userID string, req SpendRequest) (gocoin.SpendRequest, error) {
	out := gocoin.SpendRequest{UserID: userID, Reason: gocoin.ReasonMessageUnlock}
	var targetKey string
	switch req.Kind {
	case SpendMessage:
		out.Amount = pricing.MessageCost
		out.Metadata = map[string]string{"action": "message_send"}
		targetKey = "conversationId"
	case SpendPhotoUnlock:
		out.Amount = pricing.PhotoUnlockCost
		out.Metadata = map[string]string{"action": "photo_unlock"}
		targetKey = "photoId"
	case SpendGift:
		cost, err := pricing.GiftCost(req.GiftID)
		if err != nil {
			return gocoin.SpendRequest{}, err
		}
		out.Amount = cost
		out.Reason = gocoin.ReasonGiftSend
		out.Metadata = map[string]string{"action": "gift_send", "giftId": req.GiftID}
		targetKey = "recipientId"
	default:
		return gocoin.SpendRequest{}, fmt.Errorf("%w: unknown spend kind %q", errBadRequest, req.Kind)
	}
	if out.Amount < 0 {
		return gocoin.SpendRequest{}, gocoin.ErrInvalidAmount
	}
	if req.Target != "" {
		out.Metadata[targetKey] = req.Target
	}
	return out, nil
}

func balanceResponse(user *gocoin.User) BalanceResponse {
	return BalanceResponse{
		UserID:       user.ID,
		Coins:        user.Coins,
		Plan:         string(user.SubscriptionPlan()),
		VIPEnabled:   user.VIPEnabled(),
		Subscription: lifecycleView(user.Lifecycle(gocoin.KindSubscription)),
		VIP:          lifecycleView(user.Lifecycle(gocoin.KindVIP)),
	}
}

func kindParam(r *http.Request) (gocoin.Kind, error) {
	switch k := gocoin.Kind(chi.URLParam(r, "kind")); k {
	case gocoin.KindSubscription, gocoin.KindVIP:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown lifecycle %q", errBadRequest, k)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func lifecycleView(lc *gocoin.Lifecycle) LifecycleView {
	v := LifecycleView{
		Status:            string(lc.Status()),
		Provider:          string(lc.Provider()),
		Plan:              string(lc.ChosenPlan()),
		PackageID:         lc.PackageID(),
		MonthlyCoins:      lc.MonthlyCoins(),
		CancelAtPeriodEnd: lc.CancelAtPeriodEnd(),
	}
	if start := lc.PeriodStart(); !start.IsZero() {
		v.PeriodStart = &start
	}
	if end := lc.PeriodEnd(); !end.IsZero() {
		v.PeriodEnd = &end
	}
	return v
}
