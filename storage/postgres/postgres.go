// Package postgres provides a PostgreSQL implementation of the
// govern.Storage interface. Atomic quota operations use SQL
// transactions with SELECT FOR UPDATE on the per-account row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeapps/govern/pkg/govern"
)

// Storage implements govern.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter and ensures the schema
// exists.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			account_id    TEXT PRIMARY KEY,
			password_hash BYTEA NOT NULL,
			display_name  TEXT NOT NULL,
			avatar_ref    TEXT NOT NULL DEFAULT '',
			privileged    BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			name          TEXT NOT NULL,
			secret_hash   TEXT NOT NULL UNIQUE,
			prefix        TEXT NOT NULL,
			suffix        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			last_used_at  TIMESTAMPTZ,
			request_count BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS api_keys_owner_idx ON api_keys (owner_id);

		CREATE TABLE IF NOT EXISTS quota_state (
			account_id    TEXT PRIMARY KEY,
			plan          TEXT NOT NULL,
			requests      INT NOT NULL DEFAULT 0,
			code_gens     INT NOT NULL DEFAULT 0,
			image_gens    INT NOT NULL DEFAULT 0,
			audio_minutes INT NOT NULL DEFAULT 0,
			last_reset    TEXT NOT NULL,
			minute_start  TIMESTAMPTZ NOT NULL,
			minute_count  INT NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS lifetime_usage (
			account_id     TEXT PRIMARY KEY,
			total_requests BIGINT NOT NULL DEFAULT 0,
			code_gens      BIGINT NOT NULL DEFAULT 0,
			image_gens     BIGINT NOT NULL DEFAULT 0,
			video_gens     BIGINT NOT NULL DEFAULT 0,
			audio_gens     BIGINT NOT NULL DEFAULT 0,
			storage_bytes  BIGINT NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return govern.ErrDuplicateAccount
	}
	return fmt.Errorf("%w: %v", govern.ErrStorageUnavailable, err)
}

// CreateCredential implements govern.Storage.
func (s *Storage) CreateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (account_id, password_hash, display_name, avatar_ref, privileged)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.AccountID, rec.PasswordHash, rec.Profile.DisplayName, rec.Profile.AvatarRef, rec.Profile.Privileged)
	return mapError(err)
}

// GetCredential implements govern.Storage.
func (s *Storage) GetCredential(ctx context.Context, accountID string) (*govern.CredentialRecord, error) {
	rec := govern.CredentialRecord{AccountID: accountID, Profile: govern.Account{ID: accountID}}
	err := s.pool.QueryRow(ctx, `
		SELECT password_hash, display_name, avatar_ref, privileged
		FROM credentials WHERE account_id = $1
	`, accountID).Scan(&rec.PasswordHash, &rec.Profile.DisplayName, &rec.Profile.AvatarRef, &rec.Profile.Privileged)
	if err == pgx.ErrNoRows {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// UpdateCredential implements govern.Storage.
func (s *Storage) UpdateCredential(ctx context.Context, rec *govern.CredentialRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET password_hash = $2, display_name = $3, avatar_ref = $4, privileged = $5
		WHERE account_id = $1
	`, rec.AccountID, rec.PasswordHash, rec.Profile.DisplayName, rec.Profile.AvatarRef, rec.Profile.Privileged)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return govern.ErrAccountNotFound
	}
	return nil
}

// PutKey implements govern.Storage.
func (s *Storage) PutKey(ctx context.Context, key *govern.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, owner_id, name, secret_hash, prefix, suffix, created_at, last_used_at, request_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.OwnerID, key.Name, key.SecretHash, key.Prefix, key.Suffix, key.CreatedAt, key.LastUsedAt, key.RequestCount)
	return mapError(err)
}

// GetKeyBySecretHash implements govern.Storage.
func (s *Storage) GetKeyBySecretHash(ctx context.Context, hash string) (*govern.APIKey, error) {
	var key govern.APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, secret_hash, prefix, suffix, created_at, last_used_at, request_count
		FROM api_keys WHERE secret_hash = $1
	`, hash).Scan(&key.ID, &key.OwnerID, &key.Name, &key.SecretHash, &key.Prefix, &key.Suffix,
		&key.CreatedAt, &key.LastUsedAt, &key.RequestCount)
	if err == pgx.ErrNoRows {
		return nil, govern.ErrKeyNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &key, nil
}

// ListKeys implements govern.Storage.
func (s *Storage) ListKeys(ctx context.Context, ownerID string) ([]*govern.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, secret_hash, prefix, suffix, created_at, last_used_at, request_count
		FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := []*govern.APIKey{}
	for rows.Next() {
		var key govern.APIKey
		if err := rows.Scan(&key.ID, &key.OwnerID, &key.Name, &key.SecretHash, &key.Prefix, &key.Suffix,
			&key.CreatedAt, &key.LastUsedAt, &key.RequestCount); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &key)
	}
	return out, rows.Err()
}

// DeleteKey implements govern.Storage. Deleting an absent key is not an
// error.
func (s *Storage) DeleteKey(ctx context.Context, ownerID, keyID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE owner_id = $1 AND id = $2`, ownerID, keyID)
	return mapError(err)
}

// TouchKey implements govern.Storage.
func (s *Storage) TouchKey(ctx context.Context, ownerID, keyID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $3, request_count = request_count + 1
		WHERE owner_id = $1 AND id = $2
	`, ownerID, keyID, now.UTC())
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return govern.ErrKeyNotFound
	}
	return nil
}

// InitQuotaState implements govern.Storage.
func (s *Storage) InitQuotaState(ctx context.Context, accountID string, plan govern.Plan, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_state (account_id, plan, last_reset, minute_start, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, string(plan), govern.DayKey(now), now.UTC().Truncate(time.Minute), now.UTC())
	return mapError(err)
}

// GetQuotaState implements govern.Storage.
func (s *Storage) GetQuotaState(ctx context.Context, accountID string, now time.Time) (*govern.QuotaState, error) {
	state, err := scanQuotaState(s.pool.QueryRow(ctx, `
		SELECT account_id, plan, requests, code_gens, image_gens, audio_minutes,
		       last_reset, minute_start, minute_count, updated_at
		FROM quota_state WHERE account_id = $1
	`, accountID))
	if err != nil {
		return nil, err
	}
	state.Advance(now)
	return state, nil
}

// ConsumeQuota implements govern.Storage. The per-account row is locked
// with SELECT FOR UPDATE for the advance-gate-increment sequence, so
// concurrent consumers serialize and can never jointly overrun a limit.
func (s *Storage) ConsumeQuota(ctx context.Context, req *govern.ConsumeRequest) (*govern.QuotaState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx)

	// Upsert first so the FOR UPDATE row is guaranteed to exist.
	if _, err := tx.Exec(ctx, `
		INSERT INTO quota_state (account_id, plan, last_reset, minute_start, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO NOTHING
	`, req.AccountID, string(req.Plan), govern.DayKey(req.Now), req.Now.UTC().Truncate(time.Minute), req.Now.UTC()); err != nil {
		return nil, mapError(err)
	}

	state, err := scanQuotaState(tx.QueryRow(ctx, `
		SELECT account_id, plan, requests, code_gens, image_gens, audio_minutes,
		       last_reset, minute_start, minute_count, updated_at
		FROM quota_state WHERE account_id = $1
		FOR UPDATE
	`, req.AccountID))
	if err != nil {
		return nil, err
	}

	state.Advance(req.Now)
	if err := state.Gate(req.Kind, req.Limits, req.Now, !req.DryRun); err != nil {
		return nil, err
	}
	state.UpdatedAt = req.Now.UTC()

	if _, err := tx.Exec(ctx, `
		UPDATE quota_state
		SET requests = $2, code_gens = $3, image_gens = $4, audio_minutes = $5,
		    last_reset = $6, minute_start = $7, minute_count = $8, updated_at = $9
		WHERE account_id = $1
	`, state.AccountID, state.Usage.Requests, state.Usage.CodeGenerations, state.Usage.ImageGenerations,
		state.Usage.AudioMinutes, state.LastReset, state.Minute.Start, state.Minute.Count, state.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return state, nil
}

// SetPlan implements govern.Storage.
func (s *Storage) SetPlan(ctx context.Context, accountID string, plan govern.Plan) error {
	tag, err := s.pool.Exec(ctx, `UPDATE quota_state SET plan = $2 WHERE account_id = $1`, accountID, string(plan))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return govern.ErrAccountNotFound
	}
	return nil
}

// InitLifetimeUsage implements govern.Storage.
func (s *Storage) InitLifetimeUsage(ctx context.Context, accountID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lifetime_usage (account_id, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, now.UTC())
	return mapError(err)
}

// RecordLifetimeUsage implements govern.Storage.
func (s *Storage) RecordLifetimeUsage(ctx context.Context, accountID string, kind govern.Kind, storageDelta int64, now time.Time) error {
	code, image, video, audio := 0, 0, 0, 0
	switch kind {
	case govern.KindCode:
		code = 1
	case govern.KindImage:
		image = 1
	case govern.KindVideo:
		video = 1
	case govern.KindAudio:
		audio = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lifetime_usage (account_id, total_requests, code_gens, image_gens, video_gens, audio_gens, storage_bytes, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			total_requests = lifetime_usage.total_requests + 1,
			code_gens      = lifetime_usage.code_gens + EXCLUDED.code_gens,
			image_gens     = lifetime_usage.image_gens + EXCLUDED.image_gens,
			video_gens     = lifetime_usage.video_gens + EXCLUDED.video_gens,
			audio_gens     = lifetime_usage.audio_gens + EXCLUDED.audio_gens,
			storage_bytes  = lifetime_usage.storage_bytes + EXCLUDED.storage_bytes,
			updated_at     = EXCLUDED.updated_at
	`, accountID, code, image, video, audio, storageDelta, now.UTC())
	return mapError(err)
}

// GetLifetimeUsage implements govern.Storage.
func (s *Storage) GetLifetimeUsage(ctx context.Context, accountID string) (*govern.LifetimeUsage, error) {
	var usage govern.LifetimeUsage
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, total_requests, code_gens, image_gens, video_gens, audio_gens, storage_bytes, updated_at
		FROM lifetime_usage WHERE account_id = $1
	`, accountID).Scan(&usage.AccountID, &usage.TotalRequests, &usage.Generations.Code, &usage.Generations.Image,
		&usage.Generations.Video, &usage.Generations.Audio, &usage.StorageBytes, &usage.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &usage, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuotaState(row rowScanner) (*govern.QuotaState, error) {
	var state govern.QuotaState
	var plan string
	err := row.Scan(&state.AccountID, &plan, &state.Usage.Requests, &state.Usage.CodeGenerations,
		&state.Usage.ImageGenerations, &state.Usage.AudioMinutes, &state.LastReset,
		&state.Minute.Start, &state.Minute.Count, &state.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, govern.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	state.Plan = govern.Plan(plan)
	return &state, nil
}
