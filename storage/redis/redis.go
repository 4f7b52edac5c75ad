// Package redis provides a Redis implementation of the govern.Storage
// interface. Atomicity is achieved with optimistic WATCH/MULTI
// transactions over per-account JSON records: the quota gate logic
// stays in govern.QuotaState and a version conflict simply retries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeapps/govern/pkg/govern"
)

// Storage implements govern.Storage using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "govern:").
	KeyPrefix string

	// MaxRetries is the number of optimistic-transaction retries before
	// the operation is reported as unavailable (default: 16).
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "govern:",
		MaxRetries: 16,
	}
}

// New creates a new Redis storage adapter. The client can be
// *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "govern:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 16
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) credKey(accountID string) string  { return s.config.KeyPrefix + "cred:" + accountID }
func (s *Storage) keysKey(ownerID string) string    { return s.config.KeyPrefix + "keys:" + ownerID }
func (s *Storage) hashKey(hash string) string       { return s.config.KeyPrefix + "keyhash:" + hash }
func (s *Storage) quotaKey(accountID string) string { return s.config.KeyPrefix + "quota:" + accountID }
func (s *Storage) usageKey(accountID string) string { return s.config.KeyPrefix + "usage:" + accountID }

type keyRef struct {
	OwnerID string `json:"owner_id"`
	KeyID   string `json:"key_id"`
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", govern.ErrStorageUnavailable, err)
}

// watch runs fn under an optimistic transaction on keys, retrying on
// version conflicts. Gate refusals and taxonomy errors pass through
// untouched.
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return unavailable(fmt.Errorf("transaction contention on %v", keys))
}

// CreateCredential implements govern.Storage.
func (s *Storage) CreateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.credKey(rec.AccountID), data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return govern.ErrDuplicateAccount
	}
	return nil
}

// GetCredential implements govern.Storage.
func (s *Storage) GetCredential(ctx context.Context, accountID string) (*govern.CredentialRecord, error) {
	data, err := s.client.Get(ctx, s.credKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var rec govern.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateCredential implements govern.Storage.
func (s *Storage) UpdateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.credKey(rec.AccountID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		if _, err := tx.Get(ctx, key).Result(); err == redis.Nil {
			return govern.ErrAccountNotFound
		} else if err != nil {
			return unavailable(err)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// PutKey implements govern.Storage.
func (s *Storage) PutKey(ctx context.Context, key *govern.APIKey) error {
	stored := *key
	stored.Secret = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	ref, err := json.Marshal(keyRef{OwnerID: key.OwnerID, KeyID: key.ID})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keysKey(key.OwnerID), key.ID, data)
		pipe.Set(ctx, s.hashKey(key.SecretHash), ref, 0)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetKeyBySecretHash implements govern.Storage.
func (s *Storage) GetKeyBySecretHash(ctx context.Context, hash string) (*govern.APIKey, error) {
	data, err := s.client.Get(ctx, s.hashKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, govern.ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var ref keyRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}

	raw, err := s.client.HGet(ctx, s.keysKey(ref.OwnerID), ref.KeyID).Bytes()
	if err == redis.Nil {
		return nil, govern.ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var key govern.APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// ListKeys implements govern.Storage.
func (s *Storage) ListKeys(ctx context.Context, ownerID string) ([]*govern.APIKey, error) {
	fields, err := s.client.HGetAll(ctx, s.keysKey(ownerID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*govern.APIKey, 0, len(fields))
	for _, raw := range fields {
		var key govern.APIKey
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, err
		}
		out = append(out, &key)
	}
	sortKeysNewestFirst(out)
	return out, nil
}

// DeleteKey implements govern.Storage. Deleting an absent key is not an
// error.
func (s *Storage) DeleteKey(ctx context.Context, ownerID, keyID string) error {
	hk := s.keysKey(ownerID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, hk, keyID).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return unavailable(err)
		}
		var key govern.APIKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, hk, keyID)
			pipe.Del(ctx, s.hashKey(key.SecretHash))
			return nil
		})
		return err
	}, hk)
}

// TouchKey implements govern.Storage.
func (s *Storage) TouchKey(ctx context.Context, ownerID, keyID string, now time.Time) error {
	hk := s.keysKey(ownerID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, hk, keyID).Bytes()
		if err == redis.Nil {
			return govern.ErrKeyNotFound
		}
		if err != nil {
			return unavailable(err)
		}
		var key govern.APIKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return err
		}
		used := now.UTC()
		key.LastUsedAt = &used
		key.RequestCount++
		data, err := json.Marshal(&key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, keyID, data)
			return nil
		})
		return err
	}, hk)
}

// InitQuotaState implements govern.Storage.
func (s *Storage) InitQuotaState(ctx context.Context, accountID string, plan govern.Plan, now time.Time) error {
	state := freshState(accountID, plan, now)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, s.quotaKey(accountID), data, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetQuotaState implements govern.Storage.
func (s *Storage) GetQuotaState(ctx context.Context, accountID string, now time.Time) (*govern.QuotaState, error) {
	data, err := s.client.Get(ctx, s.quotaKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var state govern.QuotaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	state.Advance(now)
	return &state, nil
}

// ConsumeQuota implements govern.Storage. The read-advance-gate-write
// sequence runs under WATCH, so two concurrent consumers of the last
// remaining unit serialize: one commits, the other conflicts, retries,
// and is refused.
func (s *Storage) ConsumeQuota(ctx context.Context, req *govern.ConsumeRequest) (*govern.QuotaState, error) {
	qk := s.quotaKey(req.AccountID)
	var result *govern.QuotaState

	err := s.watch(ctx, func(tx *redis.Tx) error {
		var state *govern.QuotaState
		data, err := tx.Get(ctx, qk).Bytes()
		switch {
		case err == redis.Nil:
			state = freshState(req.AccountID, req.Plan, req.Now)
		case err != nil:
			return unavailable(err)
		default:
			state = &govern.QuotaState{}
			if err := json.Unmarshal(data, state); err != nil {
				return err
			}
		}

		state.Advance(req.Now)
		if err := state.Gate(req.Kind, req.Limits, req.Now, !req.DryRun); err != nil {
			return err
		}
		state.UpdatedAt = req.Now.UTC()

		out, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, qk, out, 0)
			return nil
		}); err != nil {
			return err
		}
		result = state
		return nil
	}, qk)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetPlan implements govern.Storage.
func (s *Storage) SetPlan(ctx context.Context, accountID string, plan govern.Plan) error {
	qk := s.quotaKey(accountID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, qk).Bytes()
		if err == redis.Nil {
			return govern.ErrAccountNotFound
		}
		if err != nil {
			return unavailable(err)
		}
		var state govern.QuotaState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		state.Plan = plan
		out, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, qk, out, 0)
			return nil
		})
		return err
	}, qk)
}

// InitLifetimeUsage implements govern.Storage.
func (s *Storage) InitLifetimeUsage(ctx context.Context, accountID string, now time.Time) error {
	usage := &govern.LifetimeUsage{AccountID: accountID, UpdatedAt: now.UTC()}
	data, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, s.usageKey(accountID), data, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// RecordLifetimeUsage implements govern.Storage.
func (s *Storage) RecordLifetimeUsage(ctx context.Context, accountID string, kind govern.Kind, storageDelta int64, now time.Time) error {
	uk := s.usageKey(accountID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		usage := &govern.LifetimeUsage{AccountID: accountID}
		data, err := tx.Get(ctx, uk).Bytes()
		if err != nil && err != redis.Nil {
			return unavailable(err)
		}
		if err == nil {
			if err := json.Unmarshal(data, usage); err != nil {
				return err
			}
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

		out, err := json.Marshal(usage)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, uk, out, 0)
			return nil
		})
		return err
	}, uk)
}

// GetLifetimeUsage implements govern.Storage.
func (s *Storage) GetLifetimeUsage(ctx context.Context, accountID string) (*govern.LifetimeUsage, error) {
	data, err := s.client.Get(ctx, s.usageKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var usage govern.LifetimeUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
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

func sortKeysNewestFirst(keys []*govern.APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}
