package govern

import (
	"context"
	"time"
)

// ConsumeRequest carries one atomic gate-and-record operation. Now is
// the ledger's clock reading; storage implementations use it for the
// daily reset and the minute window instead of consulting wall time,
// which keeps resets deterministic and consistent across callers.
type ConsumeRequest struct {
	AccountID string
	Kind      Kind
	Plan      Plan
	Limits    Limits
	Now       time.Time

	// DryRun applies the reset but checks without incrementing.
	DryRun bool
}

// Storage defines the persistence contract for the governance
// subsystem. All methods use concrete types from this package.
//
// Implementations own atomicity: ConsumeQuota must apply the daily
// reset, the limit check, and the increment as a single transaction
// per account (mutex, optimistic CAS, or SQL row lock). Callers never
// add external locking.
type Storage interface {
	// CreateCredential stores a new credential record.
	// Returns ErrDuplicateAccount if one exists for the account ID.
	CreateCredential(ctx context.Context, rec *CredentialRecord) error

	// GetCredential retrieves the credential record for an account ID.
	// Returns ErrAccountNotFound if none exists.
	GetCredential(ctx context.Context, accountID string) (*CredentialRecord, error)

	// UpdateCredential overwrites an existing credential record.
	// Returns ErrAccountNotFound if none exists.
	UpdateCredential(ctx context.Context, rec *CredentialRecord) error

	// PutKey stores an API key record. The record carries the secret
	// digest, never the secret itself.
	PutKey(ctx context.Context, key *APIKey) error

	// GetKeyBySecretHash retrieves a key by its secret digest.
	// Returns ErrKeyNotFound on a miss.
	GetKeyBySecretHash(ctx context.Context, hash string) (*APIKey, error)

	// ListKeys returns all keys owned by an account, newest first.
	ListKeys(ctx context.Context, ownerID string) ([]*APIKey, error)

	// DeleteKey removes a key. Idempotent: deleting an absent key is
	// not an error.
	DeleteKey(ctx context.Context, ownerID, keyID string) error

	// TouchKey updates lastUsedAt and increments requestCount.
	TouchKey(ctx context.Context, ownerID, keyID string, now time.Time) error

	// InitQuotaState creates the ledger record for a new account with
	// zero usage. A no-op if the record already exists.
	InitQuotaState(ctx context.Context, accountID string, plan Plan, now time.Time) error

	// GetQuotaState returns the ledger record with stale daily
	// counters masked for the given instant; the durable reset happens
	// inside ConsumeQuota. Returns ErrAccountNotFound if no record
	// exists.
	GetQuotaState(ctx context.Context, accountID string, now time.Time) (*QuotaState, error)

	// ConsumeQuota atomically advances, checks, and (unless DryRun)
	// increments the ledger record, creating it with req.Plan if
	// absent. Returns the resulting state, or *QuotaExceededError /
	// *RateLimitError when the gate refuses.
	ConsumeQuota(ctx context.Context, req *ConsumeRequest) (*QuotaState, error)

	// SetPlan replaces the plan on the ledger record without touching
	// accumulated daily usage.
	SetPlan(ctx context.Context, accountID string, plan Plan) error

	// InitLifetimeUsage creates the lifetime statistics record for a
	// new account. A no-op if the record already exists.
	InitLifetimeUsage(ctx context.Context, accountID string, now time.Time) error

	// RecordLifetimeUsage atomically increments lifetime counters for
	// kind plus the storage estimate.
	RecordLifetimeUsage(ctx context.Context, accountID string, kind Kind, storageDelta int64, now time.Time) error

	// GetLifetimeUsage retrieves the lifetime statistics record.
	// Returns ErrAccountNotFound if none exists.
	GetLifetimeUsage(ctx context.Context, accountID string) (*LifetimeUsage, error)
}
