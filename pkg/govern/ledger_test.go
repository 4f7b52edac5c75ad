package govern_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgeapps/govern/pkg/govern"
	"github.com/forgeapps/govern/storage/memory"
)

func newTestLedger(t *testing.T, store *memory.Storage, clock func() time.Time) *govern.Ledger {
	t.Helper()
	ledger, err := govern.NewLedger(store, govern.LedgerConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return ledger
}

func TestNewLedger(t *testing.T) {
	if _, err := govern.NewLedger(nil, govern.LedgerConfig{}); err != govern.ErrStorageUnavailable {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

func TestLedger_ConsumeCreatesFreeAccount(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()

	state, err := ledger.Consume(ctx, "new@example.com", govern.KindRequest)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if state.Plan != govern.PlanFree {
		t.Errorf("Expected free plan for unseen account, got %q", state.Plan)
	}
	if state.Usage.Requests != 1 {
		t.Errorf("Expected 1 request, got %d", state.Usage.Requests)
	}
}

func TestLedger_VideoNotGated(t *testing.T) {
	ledger := newTestLedger(t, memory.New(), nil)

	if _, err := ledger.Consume(context.Background(), "a@example.com", govern.KindVideo); err != govern.ErrInvalidKind {
		t.Errorf("Expected ErrInvalidKind for video, got %v", err)
	}
	if _, err := ledger.Consume(context.Background(), "a@example.com", govern.Kind("bogus")); err != govern.ErrInvalidKind {
		t.Errorf("Expected ErrInvalidKind for unknown kind, got %v", err)
	}
}

func TestLedger_MinuteRateGate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()
	limits := govern.PlanFree.Limits()

	for i := 0; i < limits.RequestsPerMinute; i++ {
		if _, err := ledger.Consume(ctx, "burst@example.com", govern.KindRequest); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}

	_, err := ledger.Consume(ctx, "burst@example.com", govern.KindRequest)
	var re *govern.RateLimitError
	if !errors.As(err, &re) {
		t.Fatalf("Expected RateLimitError, got %v", err)
	}
	if re.Limit != limits.RequestsPerMinute {
		t.Errorf("Expected limit %d, got %d", limits.RequestsPerMinute, re.Limit)
	}
	if re.RetryAfter <= 0 || re.RetryAfter > time.Minute {
		t.Errorf("Expected retry within the minute, got %v", re.RetryAfter)
	}

	// The window opens again at the next minute boundary.
	clock.Advance(time.Minute)
	if _, err := ledger.Consume(ctx, "burst@example.com", govern.KindRequest); err != nil {
		t.Errorf("Consume after window roll failed: %v", err)
	}
}

func TestLedger_DailyRequestLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()
	limits := govern.PlanFree.Limits()

	for i := 0; i < limits.RequestsPerDay; i++ {
		if i > 0 && i%limits.RequestsPerMinute == 0 {
			clock.Advance(time.Minute)
		}
		if _, err := ledger.Consume(ctx, "busy@example.com", govern.KindRequest); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}

	clock.Advance(time.Minute)
	_, err := ledger.Consume(ctx, "busy@example.com", govern.KindRequest)
	var qe *govern.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}
	if qe.Kind != govern.KindRequest || qe.Used != limits.RequestsPerDay || qe.Limit != limits.RequestsPerDay {
		t.Errorf("Unexpected refusal detail: %+v", qe)
	}
}

func TestLedger_ImageQuota(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()
	limits := govern.PlanFree.Limits()

	var state *govern.QuotaState
	var err error
	for i := 0; i < limits.ImageGenerations; i++ {
		state, err = ledger.Consume(ctx, "artist@example.com", govern.KindImage)
		if err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	// Every image also counted as a request.
	if state.Usage.Requests != limits.ImageGenerations {
		t.Errorf("Expected %d requests, got %d", limits.ImageGenerations, state.Usage.Requests)
	}
	if state.Usage.ImageGenerations != limits.ImageGenerations {
		t.Errorf("Expected %d images, got %d", limits.ImageGenerations, state.Usage.ImageGenerations)
	}

	// Step past the minute window so the refusal is the image quota.
	clock.Advance(time.Minute)
	_, err = ledger.Consume(ctx, "artist@example.com", govern.KindImage)
	var qe *govern.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}
	if qe.Kind != govern.KindImage || qe.Used != limits.ImageGenerations {
		t.Errorf("Unexpected refusal detail: %+v", qe)
	}

	// A plain request is still admitted; only images are exhausted.
	if _, err := ledger.Consume(ctx, "artist@example.com", govern.KindRequest); err != nil {
		t.Errorf("Plain request after image exhaustion failed: %v", err)
	}
}

func TestLedger_Check(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()
	limits := govern.PlanFree.Limits()

	ok, err := ledger.Check(ctx, "probe@example.com", govern.KindAudio)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !ok {
		t.Error("Expected fresh account to be admitted")
	}

	// The probe did not consume anything.
	state, err := ledger.State(ctx, "probe@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage.Requests != 0 || state.Usage.AudioMinutes != 0 {
		t.Errorf("Check must not increment, got %+v", state.Usage)
	}

	for i := 0; i < limits.AudioMinutes; i++ {
		if _, err := ledger.Consume(ctx, "probe@example.com", govern.KindAudio); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	ok, err = ledger.Check(ctx, "probe@example.com", govern.KindAudio)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if ok {
		t.Error("Expected exhausted audio quota to refuse")
	}
	// Other kinds remain available.
	ok, err = ledger.Check(ctx, "probe@example.com", govern.KindCode)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !ok {
		t.Error("Expected code generation to still be admitted")
	}
}

func TestLedger_DayBoundaryReset(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC))
	store := memory.New()
	ledger := newTestLedger(t, store, clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ledger.Consume(ctx, "night@example.com", govern.KindImage); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
	}

	// Cross midnight UTC. The read-only view already masks the stale
	// counters.
	clock.Set(time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC))
	state, err := ledger.State(ctx, "night@example.com")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Usage != (govern.DayUsage{}) {
		t.Errorf("Prior-day counters visible: %+v", state.Usage)
	}
	if state.LastReset != "2026-03-02" {
		t.Errorf("Expected masked view keyed to the new day, got %q", state.LastReset)
	}

	// The first consume of the new day resets durably, once.
	state, err = ledger.Consume(ctx, "night@example.com", govern.KindImage)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if state.Usage.Requests != 1 || state.Usage.ImageGenerations != 1 {
		t.Errorf("Expected counters restarted at 1, got %+v", state.Usage)
	}
	state, err = ledger.Consume(ctx, "night@example.com", govern.KindImage)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if state.Usage.ImageGenerations != 2 {
		t.Errorf("Second consume of the day must not reset again, got %+v", state.Usage)
	}
}

func TestLedger_UpgradePlan(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := newTestLedger(t, memory.New(), clock.Now)
	ctx := context.Background()

	freeAudio := govern.PlanFree.Limits().AudioMinutes
	for i := 0; i < freeAudio; i++ {
		if _, err := ledger.Consume(ctx, "singer@example.com", govern.KindAudio); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	if _, err := ledger.Consume(ctx, "singer@example.com", govern.KindAudio); err == nil {
		t.Fatal("Expected free audio quota to refuse")
	}

	if err := ledger.UpgradePlan(ctx, "singer@example.com", govern.PlanPro); err != nil {
		t.Fatalf("UpgradePlan failed: %v", err)
	}

	// The day's usage is kept; only the ceiling moved.
	state, err := ledger.Consume(ctx, "singer@example.com", govern.KindAudio)
	if err != nil {
		t.Fatalf("Consume after upgrade failed: %v", err)
	}
	if state.Plan != govern.PlanPro {
		t.Errorf("Expected pro plan, got %q", state.Plan)
	}
	if state.Usage.AudioMinutes != freeAudio+1 {
		t.Errorf("Expected accumulated usage preserved, got %d", state.Usage.AudioMinutes)
	}

	if err := ledger.UpgradePlan(ctx, "singer@example.com", govern.Plan("platinum")); err != govern.ErrInvalidPlan {
		t.Errorf("Expected ErrInvalidPlan, got %v", err)
	}
}

func TestLedger_StateUnknownAccount(t *testing.T) {
	ledger := newTestLedger(t, memory.New(), nil)

	if _, err := ledger.State(context.Background(), "ghost@example.com"); err != govern.ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestPlanLimits(t *testing.T) {
	tests := []struct {
		plan   govern.Plan
		limits govern.Limits
	}{
		{govern.PlanFree, govern.Limits{RequestsPerDay: 100, RequestsPerMinute: 10, CodeGenerations: 50, ImageGenerations: 10, AudioMinutes: 5}},
		{govern.PlanPro, govern.Limits{RequestsPerDay: 5000, RequestsPerMinute: 60, CodeGenerations: 2000, ImageGenerations: 500, AudioMinutes: 120}},
		{govern.PlanEnterprise, govern.Limits{RequestsPerDay: 100000, RequestsPerMinute: 500, CodeGenerations: 50000, ImageGenerations: 10000, AudioMinutes: 1000}},
	}
	for _, tt := range tests {
		if got := tt.plan.Limits(); got != tt.limits {
			t.Errorf("%s limits = %+v, want %+v", tt.plan, got, tt.limits)
		}
	}

	// Unknown plans degrade to the free tier.
	if got := govern.Plan("mystery").Limits(); got != govern.PlanFree.Limits() {
		t.Errorf("Unknown plan limits = %+v", got)
	}
}
