package govern

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateAccount is returned when registering an identifier
	// that already has a credential record.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrAccountNotFound is returned when no credential record exists
	// for an identifier.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidCredential is returned when a password does not match
	// the stored hash.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInvalidKeyName is returned when creating an API key with an
	// empty display name.
	ErrInvalidKeyName = errors.New("invalid key name")

	// ErrKeyNotFound is returned when an API key lookup misses.
	// Revocation is idempotent and never surfaces it.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrInvalidKind is returned for a usage kind the ledger does not gate.
	ErrInvalidKind = errors.New("invalid usage kind")

	// ErrInvalidPlan is returned for an unknown plan.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidTransition is returned by the recovery state machine
	// for an action that is not legal in the current state.
	ErrInvalidTransition = errors.New("invalid recovery transition")

	// ErrStorageUnavailable is returned when the persistence
	// collaborator fails transiently. It is never conflated with
	// "not found".
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// QuotaExceededError is returned when a daily counter is at its limit.
type QuotaExceededError struct {
	Kind  Kind
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d", e.Kind, e.Used, e.Limit)
}

// RateLimitError is returned when the requests-per-minute window is full.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per minute", e.Limit)
}
