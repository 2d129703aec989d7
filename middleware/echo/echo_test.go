package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
	"github.com/mihaimyh/gocoin/storage/memory"
)

// errorStorage is a mock storage that always fails on AdjustBalance
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) AdjustBalance(_ context.Context, _ string, _ int64) (int64, error) {
	return 0, errors.New("connection refused")
}

// Test helper to create a test manager with a funded user
func setupTestManager(t *testing.T, userID string, coins int64) *gocoin.Manager {
	t.Helper()

	manager, err := gocoin.NewManager(memory.New(), gocoin.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()
	if _, err := manager.CreateUser(ctx, userID); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if coins > 0 {
		if _, err := manager.Credit(ctx, userID, coins, gocoin.ReasonAdjustment, nil); err != nil {
			t.Fatalf("Failed to seed balance: %v", err)
		}
	}
	return manager
}

func balanceOf(t *testing.T, manager *gocoin.Manager, userID string) int64 {
	t.Helper()
	balance, err := manager.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	return balance
}

func newServer(cfg Config, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.POST("/messages", handler)
	return e
}

func send(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/messages", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func ok(c echo.Context) error {
	return c.String(http.StatusOK, "sent")
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, "user1", 100)
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   MessageCost(gocoin.StaticPricing(gocoin.DefaultPricing())),
	}, ok)

	rec := send(e, "user1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := balanceOf(t, manager, "user1"); got != 50 {
		t.Errorf("Expected balance 50, got %d", got)
	}
}

func TestMiddleware_InsufficientFunds(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)
	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(50),
	}, func(c echo.Context) error {
		called = true
		return ok(c)
	})

	rec := send(e, "user1")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	if called {
		t.Error("Handler must not run without funds")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["required"] != float64(50) || body["balance"] != float64(10) {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestMiddleware_HandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		balance int64
	}{
		{"plain error refunds", errors.New("gift store down"), http.StatusInternalServerError, 100},
		{"server http error refunds", echo.NewHTTPError(http.StatusServiceUnavailable), http.StatusServiceUnavailable, 100},
		{"client http error is charged", echo.NewHTTPError(http.StatusConflict), http.StatusConflict, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := setupTestManager(t, "user1", 100)
			e := newServer(Config{
				Manager:   manager,
				GetUserID: FromHeader("X-User-ID"),
				GetCost:   FixedCost(50),
				Reason:    gocoin.ReasonGiftSend,
			}, func(echo.Context) error {
				return tt.err
			})

			rec := send(e, "user1")
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if got := balanceOf(t, manager, "user1"); got != tt.balance {
				t.Errorf("Expected balance %d, got %d", tt.balance, got)
			}
		})
	}
}

func TestMiddleware_RefundsOnServerStatus(t *testing.T) {
	manager := setupTestManager(t, "user1", 100)
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   PhotoUnlockCost(gocoin.StaticPricing(gocoin.DefaultPricing())),
	}, func(c echo.Context) error {
		return c.NoContent(http.StatusBadGateway)
	})

	rec := send(e, "user1")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", rec.Code)
	}
	if got := balanceOf(t, manager, "user1"); got != 100 {
		t.Errorf("Expected refunded balance 100, got %d", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, "user1", 100)
	e := newServer(Config{Manager: manager, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(50)}, ok)

	rec := send(e, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	manager := setupTestManager(t, "user1", 100)

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.Use(Middleware(Config{Manager: manager, GetUserID: FromContext("UserID"), GetCost: FixedCost(25)}))
	e.POST("/messages", ok)

	rec := send(e, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := balanceOf(t, manager, "user1"); got != 75 {
		t.Errorf("Expected balance 75, got %d", got)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	storage := &errorStorage{Storage: memory.New()}
	manager, err := gocoin.NewManager(storage, gocoin.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if _, err := manager.CreateUser(context.Background(), "user1"); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	var got error
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(50),
		OnError: func(c echo.Context, err error) error {
			got = err
			return c.NoContent(http.StatusServiceUnavailable)
		},
	}, ok)

	rec := send(e, "user1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if got == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

func TestMiddleware_PanicsWithoutConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Manager")
		}
	}()
	Middleware(Config{})
}
