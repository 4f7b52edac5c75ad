package govern

import (
	"context"
	"time"
)

// Coarse storage estimates charged per recorded action.
const (
	storageEstimateRequest int64 = 256
	storageEstimateCode    int64 = 2 << 10
	storageEstimateImage   int64 = 512 << 10
	storageEstimateVideo   int64 = 4 << 20
	storageEstimateAudio   int64 = 1 << 20
)

// Accumulator tracks all-time usage statistics per account. Counters
// never reset; the daily gate lives in the Ledger.
type Accumulator struct {
	store Storage
	cfg   AccumulatorConfig
}

// AccumulatorConfig holds accumulator configuration.
type AccumulatorConfig struct {
	Logger Logger
	Clock  func() time.Time
}

// NewAccumulator creates a lifetime-usage accumulator backed by the
// given storage.
func NewAccumulator(store Storage, cfg AccumulatorConfig) (*Accumulator, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Accumulator{store: store, cfg: cfg}, nil
}

// Record increments the lifetime counters for kind plus a coarse
// storage estimate. Called after the billable action completed.
func (u *Accumulator) Record(ctx context.Context, accountID string, kind Kind) error {
	return u.store.RecordLifetimeUsage(ctx, NormalizeAccountID(accountID), kind, storageEstimate(kind), u.cfg.Clock())
}

// GetStats returns the account's lifetime statistics. Plan and the
// daily request limit are read from the account's quota state, the one
// authoritative plan record; accounts without one report the free plan.
func (u *Accumulator) GetStats(ctx context.Context, accountID string) (*LifetimeUsage, error) {
	accountID = NormalizeAccountID(accountID)
	usage, err := u.store.GetLifetimeUsage(ctx, accountID)
	if err != nil {
		return nil, err
	}

	plan := PlanFree
	if state, err := u.store.GetQuotaState(ctx, accountID, u.cfg.Clock()); err == nil {
		plan = state.Plan
	} else if err != ErrAccountNotFound {
		return nil, err
	}

	usage.Plan = plan
	usage.DailyRequestLimit = plan.Limits().RequestsPerDay
	return usage, nil
}

func storageEstimate(kind Kind) int64 {
	switch kind {
	case KindCode:
		return storageEstimateCode
	case KindImage:
		return storageEstimateImage
	case KindVideo:
		return storageEstimateVideo
	case KindAudio:
		return storageEstimateAudio
	}
	return storageEstimateRequest
}
