// Package memory provides an in-memory implementation of the
// govern.Storage interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgeapps/govern/pkg/govern"
)

// Storage implements govern.Storage using in-memory maps guarded by a
// single mutex; every operation is trivially a transaction.
type Storage struct {
	mu          sync.RWMutex
	credentials map[string]*govern.CredentialRecord
	keys        map[string]map[string]*govern.APIKey // owner -> key id -> key
	keysByHash  map[string]keyRef
	quota       map[string]*govern.QuotaState
	lifetime    map[string]*govern.LifetimeUsage
}

type keyRef struct {
	ownerID string
	keyID   string
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		credentials: make(map[string]*govern.CredentialRecord),
		keys:        make(map[string]map[string]*govern.APIKey),
		keysByHash:  make(map[string]keyRef),
		quota:       make(map[string]*govern.QuotaState),
		lifetime:    make(map[string]*govern.LifetimeUsage),
	}
}

// CreateCredential implements govern.Storage.
func (s *Storage) CreateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[rec.AccountID]; ok {
		return govern.ErrDuplicateAccount
	}
	recCopy := *rec
	recCopy.PasswordHash = append([]byte(nil), rec.PasswordHash...)
	s.credentials[rec.AccountID] = &recCopy
	return nil
}

// GetCredential implements govern.Storage.
func (s *Storage) GetCredential(ctx context.Context, accountID string) (*govern.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.credentials[accountID]
	if !ok {
		return nil, govern.ErrAccountNotFound
	}
	recCopy := *rec
	recCopy.PasswordHash = append([]byte(nil), rec.PasswordHash...)
	return &recCopy, nil
}

// UpdateCredential implements govern.Storage.
func (s *Storage) UpdateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[rec.AccountID]; !ok {
		return govern.ErrAccountNotFound
	}
	recCopy := *rec
	recCopy.PasswordHash = append([]byte(nil), rec.PasswordHash...)
	s.credentials[rec.AccountID] = &recCopy
	return nil
}

// PutKey implements govern.Storage.
func (s *Storage) PutKey(ctx context.Context, key *govern.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.keys[key.OwnerID]
	if !ok {
		owned = make(map[string]*govern.APIKey)
		s.keys[key.OwnerID] = owned
	}
	keyCopy := *key
	keyCopy.Secret = ""
	owned[key.ID] = &keyCopy
	s.keysByHash[key.SecretHash] = keyRef{ownerID: key.OwnerID, keyID: key.ID}
	return nil
}

// GetKeyBySecretHash implements govern.Storage.
func (s *Storage) GetKeyBySecretHash(ctx context.Context, hash string) (*govern.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.keysByHash[hash]
	if !ok {
		return nil, govern.ErrKeyNotFound
	}
	key, ok := s.keys[ref.ownerID][ref.keyID]
	if !ok {
		return nil, govern.ErrKeyNotFound
	}
	keyCopy := *key
	return &keyCopy, nil
}

// ListKeys implements govern.Storage.
func (s *Storage) ListKeys(ctx context.Context, ownerID string) ([]*govern.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.keys[ownerID]
	out := make([]*govern.APIKey, 0, len(owned))
	for _, key := range owned {
		keyCopy := *key
		out = append(out, &keyCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteKey implements govern.Storage. Deleting an absent key is not an
// error.
func (s *Storage) DeleteKey(ctx context.Context, ownerID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[ownerID][keyID]
	if !ok {
		return nil
	}
	delete(s.keysByHash, key.SecretHash)
	delete(s.keys[ownerID], keyID)
	return nil
}

// TouchKey implements govern.Storage.
func (s *Storage) TouchKey(ctx context.Context, ownerID, keyID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[ownerID][keyID]
	if !ok {
		return govern.ErrKeyNotFound
	}
	used := now.UTC()
	key.LastUsedAt = &used
	key.RequestCount++
	return nil
}

// InitQuotaState implements govern.Storage.
func (s *Storage) InitQuotaState(ctx context.Context, accountID string, plan govern.Plan, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quota[accountID]; ok {
		return nil
	}
	s.quota[accountID] = freshState(accountID, plan, now)
	return nil
}

// GetQuotaState implements govern.Storage. The returned view masks
// counters from a prior day; the durable reset happens in ConsumeQuota.
func (s *Storage) GetQuotaState(ctx context.Context, accountID string, now time.Time) (*govern.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.quota[accountID]
	if !ok {
		return nil, govern.ErrAccountNotFound
	}
	stateCopy := *state
	stateCopy.Advance(now)
	return &stateCopy, nil
}

// ConsumeQuota implements govern.Storage with transaction-safe
// consumption: advance, check, and increment happen under one lock.
func (s *Storage) ConsumeQuota(ctx context.Context, req *govern.ConsumeRequest) (*govern.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.quota[req.AccountID]
	if !ok {
		state = freshState(req.AccountID, req.Plan, req.Now)
		s.quota[req.AccountID] = state
	}

	state.Advance(req.Now)
	if err := state.Gate(req.Kind, req.Limits, req.Now, !req.DryRun); err != nil {
		return nil, err
	}
	state.UpdatedAt = req.Now.UTC()

	stateCopy := *state
	return &stateCopy, nil
}

// SetPlan implements govern.Storage. Accumulated daily usage is kept.
func (s *Storage) SetPlan(ctx context.Context, accountID string, plan govern.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.quota[accountID]
	if !ok {
		return govern.ErrAccountNotFound
	}
	state.Plan = plan
	return nil
}

// InitLifetimeUsage implements govern.Storage.
func (s *Storage) InitLifetimeUsage(ctx context.Context, accountID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lifetime[accountID]; ok {
		return nil
	}
	s.lifetime[accountID] = &govern.LifetimeUsage{AccountID: accountID, UpdatedAt: now.UTC()}
	return nil
}

// RecordLifetimeUsage implements govern.Storage.
func (s *Storage) RecordLifetimeUsage(ctx context.Context, accountID string, kind govern.Kind, storageDelta int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.lifetime[accountID]
	if !ok {
		usage = &govern.LifetimeUsage{AccountID: accountID}
		s.lifetime[accountID] = usage
	}

	usage.TotalRequests++
	switch kind {
	case govern.KindCode:
		usage.Generations.Code++
	case govern.KindImage:
		usage.Generations.Image++
	case govern.KindVideo:
		usage.Generations.Video++
	case govern.KindAudio:
		usage.Generations.Audio++
	}
	usage.StorageBytes += storageDelta
	usage.UpdatedAt = now.UTC()
	return nil
}

// GetLifetimeUsage implements govern.Storage.
func (s *Storage) GetLifetimeUsage(ctx context.Context, accountID string) (*govern.LifetimeUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.lifetime[accountID]
	if !ok {
		return nil, govern.ErrAccountNotFound
	}
	usageCopy := *usage
	return &usageCopy, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials = make(map[string]*govern.CredentialRecord)
	s.keys = make(map[string]map[string]*govern.APIKey)
	s.keysByHash = make(map[string]keyRef)
	s.quota = make(map[string]*govern.QuotaState)
	s.lifetime = make(map[string]*govern.LifetimeUsage)
}

func freshState(accountID string, plan govern.Plan, now time.Time) *govern.QuotaState {
	state := &govern.QuotaState{
		AccountID: accountID,
		Plan:      plan,
		LastReset: govern.DayKey(now),
		UpdatedAt: now.UTC(),
	}
	state.Advance(now)
	return state
}
