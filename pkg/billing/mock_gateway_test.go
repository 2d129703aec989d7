package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/storage/memory"
)

const testSignature = "t=1,v1=valid"

var errProviderDown = errors.New("connection reset by peer")

// mockGateway is an in-memory payment provider
type mockGateway struct {
	mu            sync.Mutex
	sessions      map[string]*billing.Session
	subscriptions map[string]*billing.Subscription
	created       []*billing.CheckoutRequest
	canceled      []string
	nextID        int

	createErr error
	getErr    error
	subErr    error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		sessions:      map[string]*billing.Session{},
		subscriptions: map[string]*billing.Subscription{},
	}
}

func (g *mockGateway) Name() gocoin.Provider { return gocoin.ProviderStripe }

func (g *mockGateway) CreateCheckoutSession(_ context.Context, req *billing.CheckoutRequest) (*billing.SessionHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.nextID++
	id := fmt.Sprintf("cs_test_%d", g.nextID)
	g.created = append(g.created, req)
	md := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		md[k] = v
	}
	g.sessions[id] = &billing.Session{
		ID:          id,
		Metadata:    md,
		CustomerID:  req.CustomerID,
		AmountTotal: req.Amount,
		Currency:    req.Currency,
		Created:     time.Now().UTC(),
	}
	return &billing.SessionHandle{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *mockGateway) GetSession(_ context.Context, id string) (*billing.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	cp := *s
	return &cp, nil
}

func (g *mockGateway) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subErr != nil {
		return nil, g.subErr
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	cp := *sub
	return &cp, nil
}

func (g *mockGateway) CancelAtPeriodEnd(_ context.Context, id string) (*billing.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	sub.CancelAtPeriodEnd = true
	g.canceled = append(g.canceled, id)
	cp := *sub
	return &cp, nil
}

func (g *mockGateway) ParseEvent(payload []byte, signature string) (*billing.Event, error) {
	if signature != testSignature {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var ev billing.Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		return nil, billing.ErrInvalidWebhookPayload
	}
	ev.Raw = payload
	return &ev, nil
}

// complete marks a session paid as the hosted checkout would
func (g *mockGateway) complete(id string, mutate func(s *billing.Session)) *billing.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[id]
	s.Complete = true
	s.Paid = true
	if mutate != nil {
		mutate(s)
	}
	cp := *s
	return &cp
}

func (g *mockGateway) putSubscription(sub *billing.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *sub
	g.subscriptions[sub.ID] = &cp
}

type fixture struct {
	manager    *gocoin.Manager
	storage    *memory.Storage
	gateway    *mockGateway
	initiator  *billing.Initiator
	reconciler *billing.Reconciler
	confirmer  *billing.Confirmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := memory.New()
	manager, err := gocoin.NewManager(storage, gocoin.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	gateway := newMockGateway()
	config := billing.Config{
		Manager:    manager,
		Gateway:    gateway,
		SuccessURL: "https://app.test/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://app.test/checkout/cancel",
	}
	initiator, err := billing.NewInitiator(config)
	if err != nil {
		t.Fatalf("Failed to create initiator: %v", err)
	}
	reconciler, err := billing.NewReconciler(config)
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}
	return &fixture{
		manager:    manager,
		storage:    storage,
		gateway:    gateway,
		initiator:  initiator,
		reconciler: reconciler,
		confirmer:  billing.NewConfirmer(reconciler),
	}
}

func (f *fixture) user(t *testing.T, id string) {
	t.Helper()
	if _, err := f.manager.CreateUser(context.Background(), id); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.manager.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	return b
}

var eventSeq int

func checkoutEvent(s *billing.Session) *billing.Event {
	eventSeq++
	return &billing.Event{
		ID:      fmt.Sprintf("evt_checkout_%d", eventSeq),
		Type:    billing.EventCheckoutCompleted,
		Created: time.Now().UTC().Truncate(time.Second),
		Session: s,
	}
}

func invoiceEvent(typ billing.EventType, inv *billing.Invoice) *billing.Event {
	eventSeq++
	return &billing.Event{
		ID:      fmt.Sprintf("evt_invoice_%d", eventSeq),
		Type:    typ,
		Created: time.Now().UTC().Truncate(time.Second),
		Invoice: inv,
	}
}

func subscriptionEvent(typ billing.EventType, sub *billing.Subscription) *billing.Event {
	eventSeq++
	return &billing.Event{
		ID:           fmt.Sprintf("evt_sub_%d", eventSeq),
		Type:         typ,
		Created:      time.Now().UTC().Truncate(time.Second),
		Subscription: sub,
	}
}
