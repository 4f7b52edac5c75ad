package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgeapps/govern/pkg/govern"
	"github.com/forgeapps/govern/storage/memory"
)

type testEnv struct {
	store  *memory.Storage
	ledger *govern.Ledger
	usage  *govern.Accumulator
	keys   *govern.KeyRegistry
}

func setupTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()

	store := memory.New()
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
	return &testEnv{store: store, ledger: ledger, usage: usage, keys: keys}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_KeyAuthSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := setupTestEnv(t, now)
	ctx := context.Background()

	key, err := env.keys.Create(ctx, "worker@example.com", "ci")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var seenAccount string
	handler := Middleware(Config{
		Ledger: env.ledger,
		Usage:  env.usage,
		Keys:   env.keys,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAccount = AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if seenAccount != "worker@example.com" {
		t.Errorf("Expected account in context, got %q", seenAccount)
	}

	// One unit consumed, lifetime usage recorded.
	state, err := env.ledger.State(ctx, "worker@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage.Requests != 1 {
		t.Errorf("Expected 1 request consumed, got %d", state.Usage.Requests)
	}
	lifetime, err := env.store.GetLifetimeUsage(ctx, "worker@example.com")
	if err != nil {
		t.Fatalf("GetLifetimeUsage failed: %v", err)
	}
	if lifetime.TotalRequests != 1 {
		t.Errorf("Expected 1 lifetime request, got %d", lifetime.TotalRequests)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	env := setupTestEnv(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	handler := Middleware(Config{
		Ledger: env.ledger,
		Usage:  env.usage,
		Keys:   env.keys,
	})(okHandler())

	// No credential at all.
	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credential, got %d", rec.Code)
	}

	// Unknown secret.
	req = httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("Authorization", "Bearer gk_bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unknown key, got %d", rec.Code)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := setupTestEnv(t, now)
	ctx := context.Background()
	limit := govern.PlanFree.Limits().AudioMinutes

	handler := Middleware(Config{
		Ledger:       env.ledger,
		Usage:        env.usage,
		GetAccountID: FromHeader("X-Account-ID"),
		GetKind:      FixedKind(govern.KindAudio),
	})(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/audio", nil)
		r.Header.Set("X-Account-ID", "speaker@example.com")
		return r
	}

	for i := 0; i < limit; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req())
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after quota exhaustion, got %d", rec.Code)
	}

	// The refused request did not reach the handler's usage recording.
	state, err := env.ledger.State(ctx, "speaker@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage.AudioMinutes != limit {
		t.Errorf("Expected %d audio minutes, got %d", limit, state.Usage.AudioMinutes)
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := setupTestEnv(t, now)
	limit := govern.PlanFree.Limits().RequestsPerMinute

	handler := Middleware(Config{
		Ledger:       env.ledger,
		Usage:        env.usage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	for i := 0; i < limit; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Header.Set("X-Account-ID", "burst@example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Account-ID", "burst@example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 when the minute window is full, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header on rate refusal")
	}
}

func TestMiddleware_FailedHandlerSkipsUsageRecording(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := setupTestEnv(t, now)
	ctx := context.Background()

	handler := Middleware(Config{
		Ledger:       env.ledger,
		Usage:        env.usage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Account-ID", "flaky@example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", rec.Code)
	}

	// Quota stays consumed, but lifetime statistics only count
	// completed work.
	state, err := env.ledger.State(ctx, "flaky@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage.Requests != 1 {
		t.Errorf("Expected consumed unit kept, got %d", state.Usage.Requests)
	}
	if _, err := env.store.GetLifetimeUsage(ctx, "flaky@example.com"); err != govern.ErrAccountNotFound {
		t.Errorf("Expected no lifetime record for failed work, got %v", err)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	env := setupTestEnv(t, time.Now())

	assertPanics := func(name string, cfg Config) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		Middleware(cfg)
	}

	assertPanics("missing ledger", Config{Usage: env.usage, Keys: env.keys})
	assertPanics("missing usage", Config{Ledger: env.ledger, Keys: env.keys})
	assertPanics("missing authenticator", Config{Ledger: env.ledger, Usage: env.usage})
}
