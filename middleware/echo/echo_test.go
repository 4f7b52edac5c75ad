package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/forgeapps/govern/pkg/govern"
	"github.com/forgeapps/govern/storage/memory"
)

func setupTestEcho(t *testing.T) (*echo.Echo, *govern.Ledger, *govern.KeyRegistry) {
	t.Helper()

	store := memory.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledger, err := govern.NewLedger(store, govern.LedgerConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	usage, err := govern.NewAccumulator(store, govern.AccumulatorConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewAccumulator failed: %v", err)
	}
	keys, err := govern.NewKeyRegistry(store, govern.KeyRegistryConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewKeyRegistry failed: %v", err)
	}

	e := echo.New()
	e.Use(Middleware(Config{
		Ledger: ledger,
		Usage:  usage,
		Keys:   keys,
	}))
	e.GET("/generate", func(c echo.Context) error {
		return c.String(http.StatusOK, AccountIDFromContext(c))
	})
	return e, ledger, keys
}

func TestMiddleware_KeyAuth(t *testing.T) {
	e, ledger, keys := setupTestEcho(t)

	key, err := keys.Create(context.Background(), "worker@example.com", "ci")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "worker@example.com" {
		t.Errorf("Expected account in context, got %q", rec.Body.String())
	}

	state, err := ledger.State(context.Background(), "worker@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage.Requests != 1 {
		t.Errorf("Expected 1 request consumed, got %d", state.Usage.Requests)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e, _, _ := setupTestEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credential, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("Authorization", "Bearer gk_unknown")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unknown key, got %d", rec.Code)
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	e, _, keys := setupTestEcho(t)
	limit := govern.PlanFree.Limits().RequestsPerMinute

	key, err := keys.Create(context.Background(), "burst@example.com", "ci")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < limit; i++ {
		req := httptest.NewRequest(http.MethodGet, "/generate", nil)
		req.Header.Set("Authorization", "Bearer "+key.Secret)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 when the minute window is full, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header on rate refusal")
	}
}
