package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

type apiCall struct {
	endpoint string
	status   string
}

type recordingMetrics struct {
	billing.NoopMetrics
	mu    sync.Mutex
	calls []apiCall
}

func (m *recordingMetrics) RecordAPICall(_, endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, apiCall{endpoint, status})
}

// fakeStripe serves the handful of API routes the gateway uses
type fakeStripe struct {
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string]string
	fail     bool
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := map[string]string{}
	for k, v := range r.Form {
		form[k] = v[0]
	}
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.forms = append(f.forms, form)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such object"}}`))
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_test_1":
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","status":"complete","payment_status":"paid",
			"payment_intent":"pi_1","amount_total":499,"currency":"usd","metadata":{"mode":"coins","userId":"` + testUserID + `"}}`))
	case r.URL.Path == "/v1/subscriptions/sub_1":
		cancel := "false"
		if r.Method == http.MethodPost && form["cancel_at_period_end"] == "true" {
			cancel = "true"
		}
		_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","status":"active","customer":"` + testCustomerID + `",
			"cancel_at_period_end":` + cancel + `,
			"items":{"object":"list","data":[{"id":"si_1","current_period_start":1760000000,"current_period_end":1762592000}]}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown route"}}`))
	}
}

func (f *fakeStripe) last() (*http.Request, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.forms[len(f.forms)-1]
}

func newFakeGateway(t *testing.T) (*Gateway, *fakeStripe, *recordingMetrics) {
	t.Helper()
	fake := &fakeStripe{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	metrics := &recordingMetrics{}
	g, err := NewGateway(Config{
		APIKey:        testAPIKey,
		WebhookSecret: testWebhookSecret,
		Metrics:       metrics,
		Backends:      backends,
	})
	require.NoError(t, err)
	return g, fake, metrics
}

func TestGateway_CreateCheckoutSession_Payment(t *testing.T) {
	g, fake, metrics := newFakeGateway(t)
	md := map[string]string{gocoin.MetaMode: "coins", gocoin.MetaUserID: testUserID, gocoin.MetaCoins: "700"}

	handle, err := g.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{
		Mode:           gocoin.ModeCoins,
		UserID:         testUserID,
		Name:           "700 Coins",
		Amount:         499,
		Currency:       "usd",
		Metadata:       md,
		SuccessURL:     "https://app.test/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://app.test/cancel",
		IdempotencyKey: "checkout-pay_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", handle.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", handle.URL)

	req, form := fake.last()
	assert.Equal(t, "checkout-pay_1", req.Header.Get("Idempotency-Key"))
	assert.Equal(t, "payment", form["mode"])
	assert.Equal(t, testUserID, form["client_reference_id"])
	assert.Equal(t, "always", form["customer_creation"])
	assert.Equal(t, "499", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "700 Coins", form["line_items[0][price_data][product_data][name]"])
	assert.Equal(t, "700", form["metadata[coins]"])
	assert.Equal(t, testUserID, form["payment_intent_data[metadata][userId]"])
	_, recurring := form["line_items[0][price_data][recurring][interval]"]
	assert.False(t, recurring)

	require.Len(t, metrics.calls, 1)
	assert.Equal(t, apiCall{endpointCheckoutSessions, "success"}, metrics.calls[0])
}

func TestGateway_CreateCheckoutSession_Subscription(t *testing.T) {
	g, fake, _ := newFakeGateway(t)
	md := map[string]string{gocoin.MetaMode: "subscription", gocoin.MetaUserID: testUserID, gocoin.MetaPlan: "gold"}

	_, err := g.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{
		Mode:       gocoin.ModeSubscription,
		UserID:     testUserID,
		CustomerID: testCustomerID,
		Name:       "Gold",
		Amount:     999,
		Currency:   "usd",
		Metadata:   md,
		SuccessURL: "https://app.test/success",
		CancelURL:  "https://app.test/cancel",
	})
	require.NoError(t, err)

	_, form := fake.last()
	assert.Equal(t, "subscription", form["mode"])
	assert.Equal(t, testCustomerID, form["customer"])
	assert.Equal(t, "month", form["line_items[0][price_data][recurring][interval]"])
	assert.Equal(t, "gold", form["subscription_data[metadata][plan]"])
	_, created := form["customer_creation"]
	assert.False(t, created)

	_, err = g.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{
		Mode:     gocoin.ModeSubscription,
		UserID:   testUserID,
		PriceID:  "price_gold_monthly",
		Metadata: md,
	})
	require.NoError(t, err)
	_, form = fake.last()
	assert.Equal(t, "price_gold_monthly", form["line_items[0][price]"])
}

func TestGateway_GetSessionAndSubscription(t *testing.T) {
	g, _, _ := newFakeGateway(t)
	ctx := context.Background()

	s, err := g.GetSession(ctx, "cs_test_1")
	require.NoError(t, err)
	assert.True(t, s.Complete)
	assert.True(t, s.Paid)
	assert.Equal(t, "pi_1", s.PaymentIntentID)
	assert.Equal(t, testUserID, s.Metadata[gocoin.MetaUserID])

	sub, err := g.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, gocoin.StatusActive, sub.Status)
	assert.Equal(t, testCustomerID, sub.CustomerID)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1762592000, 0).UTC(), sub.CurrentPeriodEnd)

	sub, err = g.CancelAtPeriodEnd(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestGateway_APIErrors(t *testing.T) {
	g, fake, metrics := newFakeGateway(t)
	fake.fail = true

	_, err := g.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{Mode: gocoin.ModeCoins, UserID: testUserID})
	require.Error(t, err)
	var stripeErr *stripe.Error
	assert.ErrorAs(t, err, &stripeErr)

	_, err = g.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)

	require.Len(t, metrics.calls, 2)
	assert.Equal(t, "error", metrics.calls[0].status)
	assert.Equal(t, endpointSubscriptions, metrics.calls[1].endpoint)
}
