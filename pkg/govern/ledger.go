package govern

import (
	"context"
	"errors"
	"time"
)

// LedgerConfig holds quota ledger configuration.
type LedgerConfig struct {
	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking consumption (default: NoopMetrics).
	Metrics Metrics

	// Clock supplies the current time (default: time.Now). The day key
	// and minute window are derived from its UTC reading.
	Clock func() time.Time
}

// Ledger is the per-account daily quota gate. A caller wanting to
// perform a billable action calls Consume before doing the work; the
// reset, the limit check, and the increment happen as one storage
// transaction, so concurrent callers can never jointly overrun the
// last remaining unit.
type Ledger struct {
	store Storage
	cfg   LedgerConfig
}

// NewLedger creates a quota ledger backed by the given storage.
func NewLedger(store Storage, cfg LedgerConfig) (*Ledger, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{store: store, cfg: cfg}, nil
}

// Consume admits one unit of kind for the account, or refuses with
// *QuotaExceededError / *RateLimitError. Every gated kind increments
// the generic request counter; non-request kinds also increment their
// own counter. Accounts without a ledger record are created on the
// free plan.
func (l *Ledger) Consume(ctx context.Context, accountID string, kind Kind) (*QuotaState, error) {
	return l.consume(ctx, accountID, kind, false)
}

// Check reports whether one unit of kind would currently be admitted.
// The daily reset is applied atomically as part of the probe; counters
// are not incremented. Callers racing between Check and their own
// Consume still cannot over-admit, because Consume re-checks inside
// the same transaction that increments.
func (l *Ledger) Check(ctx context.Context, accountID string, kind Kind) (bool, error) {
	_, err := l.consume(ctx, accountID, kind, true)
	if err == nil {
		return true, nil
	}
	var qe *QuotaExceededError
	var re *RateLimitError
	if errors.As(err, &qe) || errors.As(err, &re) {
		return false, nil
	}
	return false, err
}

func (l *Ledger) consume(ctx context.Context, accountID string, kind Kind, dryRun bool) (*QuotaState, error) {
	if !kind.Gated() {
		return nil, ErrInvalidKind
	}
	accountID = NormalizeAccountID(accountID)
	now := l.cfg.Clock()

	plan := PlanFree
	if state, err := l.store.GetQuotaState(ctx, accountID, now); err == nil {
		plan = state.Plan
	} else if err != ErrAccountNotFound {
		return nil, err
	}

	state, err := l.store.ConsumeQuota(ctx, &ConsumeRequest{
		AccountID: accountID,
		Kind:      kind,
		Plan:      plan,
		Limits:    plan.Limits(),
		Now:       now,
		DryRun:    dryRun,
	})
	if err != nil {
		var qe *QuotaExceededError
		var re *RateLimitError
		if errors.As(err, &qe) || errors.As(err, &re) {
			if !dryRun {
				l.cfg.Metrics.RecordConsumption(accountID, kind, plan, false)
				l.cfg.Logger.Debug("quota refused",
					Field{Key: "account_id", Value: accountID},
					Field{Key: "kind", Value: kind})
			}
		}
		return nil, err
	}

	if !dryRun {
		l.cfg.Metrics.RecordConsumption(accountID, kind, plan, true)
	}
	return state, nil
}

// State returns the account's current ledger record with stale daily
// counters masked. Prior-day usage is never visible.
func (l *Ledger) State(ctx context.Context, accountID string) (*QuotaState, error) {
	return l.store.GetQuotaState(ctx, NormalizeAccountID(accountID), l.cfg.Clock())
}

// UpgradePlan replaces the account's plan. Daily usage already
// accumulated is preserved; only the limits change. The plan recorded
// here is the single authoritative copy read by both quota enforcement
// and lifetime reporting.
func (l *Ledger) UpgradePlan(ctx context.Context, accountID string, plan Plan) error {
	if !plan.Valid() {
		return ErrInvalidPlan
	}
	accountID = NormalizeAccountID(accountID)
	if err := l.store.SetPlan(ctx, accountID, plan); err != nil {
		return err
	}
	l.cfg.Logger.Info("plan upgraded",
		Field{Key: "account_id", Value: accountID},
		Field{Key: "plan", Value: plan})
	return nil
}
