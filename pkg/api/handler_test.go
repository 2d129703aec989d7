package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/pkg/renewal"
	"github.com/mihaimyh/gocoin/storage/memory"
)

const (
	testUserID  = "user123"
	testUserID2 = "test-user"
	userHeader  = "X-User-ID"
)

// fakeGateway serves checkout creation and session lookup from memory
type fakeGateway struct {
	billing.Gateway

	mu        sync.Mutex
	sessions  map[string]*billing.Session
	created   []*billing.CheckoutRequest
	createErr error
}

func (g *fakeGateway) Name() gocoin.Provider { return gocoin.ProviderStripe }

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req *billing.CheckoutRequest) (*billing.SessionHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	id := fmt.Sprintf("cs_test_%d", len(g.created))
	g.sessions[id] = &billing.Session{ID: id, Metadata: req.Metadata, ClientReferenceID: req.UserID}
	return &billing.SessionHandle{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) GetSession(_ context.Context, id string) (*billing.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("no such session")
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) complete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id].Complete = true
	g.sessions[id].Paid = true
}

type testEnv struct {
	manager *gocoin.Manager
	gateway *fakeGateway
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	require.NoError(t, err)
	gateway := &fakeGateway{sessions: map[string]*billing.Session{}}

	bcfg := billing.Config{Manager: manager, Gateway: gateway, SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"}
	initiator, err := billing.NewInitiator(bcfg)
	require.NoError(t, err)
	reconciler, err := billing.NewReconciler(bcfg)
	require.NoError(t, err)
	lifecycles, err := renewal.NewService(manager, nil, gateway)
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Manager:    manager,
		GetUserID:  FromHeader(userHeader),
		Initiator:  initiator,
		Confirmer:  billing.NewConfirmer(reconciler),
		Lifecycles: lifecycles,
		Pricing:    gocoin.StaticPricing(gocoin.DefaultPricing()),
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	handler.Routes(r)
	return &testEnv{manager: manager, gateway: gateway, router: r}
}

func (e *testEnv) user(t *testing.T, id string, coins int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.manager.CreateUser(ctx, id); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if coins > 0 {
		if _, err := e.manager.Credit(ctx, id, coins, gocoin.ReasonAdjustment, nil); err != nil {
			t.Fatalf("Failed to seed balance: %v", err)
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestNewHandler_Validation(t *testing.T) {
	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		config Config
	}{
		{"missing manager", Config{GetUserID: FromHeader(userHeader)}},
		{"missing user id func", Config{Manager: manager}},
		{"history limit too large", Config{Manager: manager, GetUserID: FromHeader(userHeader), HistoryLimit: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestHandler_GetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 120)

	w := env.do(t, http.MethodGet, "/balance", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[BalanceResponse](t, w)
	assert.Equal(t, testUserID, resp.UserID)
	assert.Equal(t, int64(120), resp.Coins)
	assert.Equal(t, "free", resp.Plan)
	assert.False(t, resp.VIPEnabled)
	assert.Equal(t, "none", resp.Subscription.Status)
	assert.Nil(t, resp.Subscription.PeriodEnd)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestHandler_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 0)

	tests := []struct {
		name   string
		method string
		path   string
		userID string
		body   string
		status int
	}{
		{"no user", http.MethodGet, "/balance", "", "", http.StatusUnauthorized},
		{"user id too long", http.MethodGet, "/balance", strings.Repeat("u", 300), "", http.StatusBadRequest},
		{"unknown user", http.MethodGet, "/balance", testUserID2, "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/ledger?limit=abc", testUserID, "", http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/payments?limit=-1", testUserID, "", http.StatusBadRequest},
		{"malformed checkout", http.MethodPost, "/checkout", testUserID, "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/checkout", testUserID, `{"mode":"coins","coins":999999}`, http.StatusBadRequest},
		{"unknown mode", http.MethodPost, "/checkout", testUserID, `{"mode":"gems"}`, http.StatusBadRequest},
		{"unknown package", http.MethodPost, "/checkout", testUserID, `{"mode":"coins","package_id":"nope"}`, http.StatusBadRequest},
		{"unknown lifecycle", http.MethodPost, "/lifecycles/gold/cancel", testUserID, "", http.StatusBadRequest},
		{"nothing to cancel", http.MethodPost, "/lifecycles/vip/cancel", testUserID, "", http.StatusConflict},
		{"provision without identity", http.MethodPost, "/users", "", "", http.StatusUnauthorized},
		{"unknown spend kind", http.MethodPost, "/spends", testUserID, `{"kind":"wink"}`, http.StatusBadRequest},
		{"unknown gift", http.MethodPost, "/spends", testUserID, `{"kind":"gift","gift_id":"yacht"}`, http.StatusBadRequest},
		{"client priced gift", http.MethodPost, "/spends", testUserID, `{"kind":"gift","gift_id":"rose","coins":1}`, http.StatusBadRequest},
		{"unknown spend", http.MethodPost, "/spends/nope/refund", testUserID, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.userID, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
			assert.Nil(t, resp.Required)
		})
	}
}

func TestHandler_CheckoutAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 0)

	w := env.do(t, http.MethodPost, "/checkout", testUserID, `{"mode":"coins","package_id":"coins_700"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	checkout := decode[CheckoutResponse](t, w)
	assert.Equal(t, int64(700), checkout.Coins)
	assert.Equal(t, int64(499), checkout.Price)
	assert.Equal(t, "https://checkout.test/"+checkout.SessionID, checkout.URL)

	w = env.do(t, http.MethodGet, "/checkout/confirm?session_id="+checkout.SessionID, testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pending := decode[billing.Confirmation](t, w)
	assert.False(t, pending.Confirmed)

	env.gateway.complete(checkout.SessionID)
	w = env.do(t, http.MethodPost, "/checkout/confirm?session_id="+checkout.SessionID, testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	confirmed := decode[billing.Confirmation](t, w)
	assert.True(t, confirmed.Confirmed)
	assert.Equal(t, int64(700), confirmed.Coins)
	assert.Equal(t, checkout.PaymentID, confirmed.PaymentID)

	w = env.do(t, http.MethodGet, "/checkout/confirm?session_id="+checkout.SessionID, testUserID2, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/payments", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	payments := decode[[]PaymentView](t, w)
	require.Len(t, payments, 1)
	assert.Equal(t, "succeeded", payments[0].Status)
	assert.Equal(t, int64(700), payments[0].CoinsAdded)
	assert.NotEmpty(t, payments[0].InvoiceID)
	assert.NotNil(t, payments[0].PaidAt)

	w = env.do(t, http.MethodGet, "/ledger", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]LedgerEntryView](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(700), entries[0].Delta)
	assert.Equal(t, "purchase", entries[0].Reason)
	assert.Equal(t, checkout.PaymentID, entries[0].PaymentID)
}

func TestHandler_ProvisionedUserCanCheckout(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/balance", testUserID, "")
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/checkout", testUserID, `{"mode":"coins","package_id":"coins_700"}`)
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/users", testUserID, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[BalanceResponse](t, w)
	assert.Equal(t, testUserID, created.UserID)
	assert.Equal(t, int64(0), created.Coins)
	assert.Equal(t, "free", created.Plan)

	w = env.do(t, http.MethodPost, "/users", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, "provisioning is idempotent")

	w = env.do(t, http.MethodPost, "/checkout", testUserID, `{"mode":"coins","package_id":"coins_700"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	checkout := decode[CheckoutResponse](t, w)

	env.gateway.complete(checkout.SessionID)
	w = env.do(t, http.MethodPost, "/checkout/confirm?session_id="+checkout.SessionID, testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[billing.Confirmation](t, w).Confirmed)

	w = env.do(t, http.MethodPost, "/users", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(700), decode[BalanceResponse](t, w).Coins)
}

func TestHandler_SpendPricedByServer(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 200)

	w := env.do(t, http.MethodPost, "/spends", testUserID, `{"kind":"gift","gift_id":"teddy","target":"user-9"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	gift := decode[SpendResponse](t, w)
	assert.NotEmpty(t, gift.SpendID)
	assert.Equal(t, int64(100), gift.Cost)
	assert.Equal(t, int64(100), gift.Balance)

	w = env.do(t, http.MethodPost, "/spends", testUserID, `{"kind":"message","target":"conv-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(50), decode[SpendResponse](t, w).Balance)

	w = env.do(t, http.MethodPost, "/spends", testUserID, `{"kind":"photo_unlock","target":"photo-1"}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	resp := decode[ErrorResponse](t, w)
	require.NotNil(t, resp.Required)
	assert.Equal(t, int64(100), *resp.Required)
	assert.Equal(t, int64(50), *resp.Balance)

	entries, err := env.manager.LedgerHistory(context.Background(), testUserID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, gocoin.ReasonMessageUnlock, entries[0].Reason)
	assert.Equal(t, "conv-1", entries[0].Metadata["conversationId"])
	assert.Equal(t, gocoin.ReasonGiftSend, entries[1].Reason)
	assert.Equal(t, gift.SpendID, entries[1].ID)
	assert.Equal(t, "teddy", entries[1].Metadata["giftId"])
	assert.Equal(t, "user-9", entries[1].Metadata["recipientId"])
}

func TestHandler_FailedActionRefundRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 150)
	env.user(t, testUserID2, 0)

	w := env.do(t, http.MethodPost, "/spends", testUserID, `{"kind":"gift","gift_id":"teddy","target":"user-9"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	spend := decode[SpendResponse](t, w)
	assert.Equal(t, int64(50), spend.Balance)

	// Gift delivery failed downstream; the caller returns the coins
	w = env.do(t, http.MethodPost, "/spends/"+spend.SpendID+"/refund", testUserID2, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "spends of other users are invisible")

	w = env.do(t, http.MethodPost, "/spends/"+spend.SpendID+"/refund", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refund := decode[RefundResponse](t, w)
	assert.Equal(t, spend.SpendID, refund.SpendID)
	assert.Equal(t, int64(100), refund.Refunded)
	assert.Equal(t, int64(150), refund.Balance)

	w = env.do(t, http.MethodPost, "/spends/"+spend.SpendID+"/refund", testUserID, "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/spends/"+refund.RefundID+"/refund", testUserID, "")
	assert.Equal(t, http.StatusConflict, w.Code, "a refund cannot be refunded")

	w = env.do(t, http.MethodGet, "/balance", testUserID, "")
	assert.Equal(t, int64(150), decode[BalanceResponse](t, w).Coins)
	audit, err := env.manager.AuditBalance(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestHandler_CheckoutUsesStoredVIPState(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 0)

	w := env.do(t, http.MethodPost, "/lifecycles/vip/activate", testUserID, `{"package_id":"vip_700"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/checkout", testUserID, `{"mode":"coins","package_id":"coins_700"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(805), decode[CheckoutResponse](t, w).Coins)
}

func TestHandler_CheckoutProviderDown(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 0)
	env.gateway.createErr = errors.New("connection refused")

	w := env.do(t, http.MethodPost, "/checkout", testUserID, `{"mode":"subscription","plan":"gold"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	payments, err := env.manager.Payments(context.Background(), testUserID, 10)
	require.NoError(t, err)
	assert.Empty(t, payments, "no pending record without a session")
}

func TestHandler_ActivateAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, testUserID, 0)

	w := env.do(t, http.MethodPost, "/lifecycles/subscription/activate", testUserID, `{"plan":"platinum"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	act := decode[ActivateResponse](t, w)
	assert.NotEmpty(t, act.InvoiceID)
	assert.Equal(t, "active", act.Lifecycle.Status)
	assert.Equal(t, "internal", act.Lifecycle.Provider)
	assert.Equal(t, "platinum", act.Lifecycle.Plan)
	require.NotNil(t, act.Lifecycle.PeriodEnd)

	w = env.do(t, http.MethodPost, "/lifecycles/subscription/activate", testUserID, `{"plan":"gold"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/lifecycles/subscription/cancel", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[LifecycleView](t, w)
	assert.True(t, view.CancelAtPeriodEnd)
	assert.Equal(t, "active", view.Status)

	w = env.do(t, http.MethodGet, "/balance", testUserID, "")
	resp := decode[BalanceResponse](t, w)
	assert.Equal(t, "platinum", resp.Plan)
	assert.True(t, resp.Subscription.CancelAtPeriodEnd)
}

func TestHandler_InsufficientFundsBody(t *testing.T) {
	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	require.NoError(t, err)
	handler, err := NewHandler(Config{Manager: manager, GetUserID: FromHeader(userHeader)})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/messages", http.NoBody)
	handler.handleError(w, req, fmt.Errorf("send: %w", &gocoin.InsufficientFundsError{Required: 50, Balance: 40}))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	resp := decode[ErrorResponse](t, w)
	require.NotNil(t, resp.Required)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, int64(50), *resp.Required)
	assert.Equal(t, int64(40), *resp.Balance)
}

func TestHandler_OptionalRoutes(t *testing.T) {
	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	require.NoError(t, err)
	handler, err := NewHandler(Config{Manager: manager, GetUserID: FromHeader(userHeader)})
	require.NoError(t, err)
	r := chi.NewRouter()
	handler.Routes(r)

	for _, path := range []string{"/checkout", "/checkout/confirm", "/lifecycles/vip/cancel", "/spends"} {
		req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
		req.Header.Set(userHeader, testUserID)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestHandler_OnError(t *testing.T) {
	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	require.NoError(t, err)
	var got error
	handler, err := NewHandler(Config{
		Manager:   manager,
		GetUserID: FromHeader(userHeader),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.GetBalance(w, httptest.NewRequest(http.MethodGet, "/balance", http.NoBody))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.ErrorIs(t, got, errUnauthorized)
}

func TestFromContext(t *testing.T) {
	type ctxKey struct{}
	get := FromContext(ctxKey{})
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, get(req))
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	assert.Equal(t, testUserID, get(req))
}
