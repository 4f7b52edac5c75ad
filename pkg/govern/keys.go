package govern

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// secretPrefix marks governance API keys in logs and dashboards.
	secretPrefix = "gk_"
	// secretBytes of entropy per key secret (192 bits).
	secretBytes = 24

	displayPrefixLen = 8
	displaySuffixLen = 4
)

// KeyRegistry issues, lists, revokes, and authenticates API keys.
type KeyRegistry struct {
	store   Storage
	logger  Logger
	metrics Metrics
	clock   func() time.Time
}

// KeyRegistryConfig holds registry configuration.
type KeyRegistryConfig struct {
	Logger  Logger
	Metrics Metrics
	Clock   func() time.Time
}

// NewKeyRegistry creates a key registry backed by the given storage.
func NewKeyRegistry(store Storage, cfg KeyRegistryConfig) (*KeyRegistry, error) {
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
	return &KeyRegistry{store: store, logger: cfg.Logger, metrics: cfg.Metrics, clock: cfg.Clock}, nil
}

// Create mints a new key for the owner. The returned record is the only
// place the secret ever appears; the stored copy carries its SHA-256
// digest plus the display prefix and suffix. Returns ErrInvalidKeyName
// for an empty name.
func (r *KeyRegistry) Create(ctx context.Context, ownerID, name string) (*APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidKeyName
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	key := &APIKey{
		ID:         uuid.NewString(),
		OwnerID:    NormalizeAccountID(ownerID),
		Name:       name,
		SecretHash: hashSecret(secret),
		Prefix:     secret[:displayPrefixLen],
		Suffix:     secret[len(secret)-displaySuffixLen:],
		CreatedAt:  now,
	}
	if err := r.store.PutKey(ctx, key); err != nil {
		return nil, err
	}

	r.logger.Info("api key created",
		Field{Key: "account_id", Value: key.OwnerID},
		Field{Key: "key_id", Value: key.ID})

	out := *key
	out.Secret = secret
	return &out, nil
}

// List returns the owner's keys with secrets redacted: only the display
// prefix and suffix are present.
func (r *KeyRegistry) List(ctx context.Context, ownerID string) ([]*APIKey, error) {
	keys, err := r.store.ListKeys(ctx, NormalizeAccountID(ownerID))
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		k.Secret = ""
		k.SecretHash = ""
	}
	return keys, nil
}

// Revoke removes a key belonging to the owner. Idempotent: revoking an
// absent key succeeds.
func (r *KeyRegistry) Revoke(ctx context.Context, ownerID, keyID string) error {
	if err := r.store.DeleteKey(ctx, NormalizeAccountID(ownerID), keyID); err != nil {
		return err
	}
	r.logger.Info("api key revoked",
		Field{Key: "account_id", Value: NormalizeAccountID(ownerID)},
		Field{Key: "key_id", Value: keyID})
	return nil
}

// Authenticate resolves a raw secret to its key record, updating
// lastUsedAt and requestCount. Returns ErrKeyNotFound for an unknown or
// revoked secret.
func (r *KeyRegistry) Authenticate(ctx context.Context, secret string) (*APIKey, error) {
	key, err := r.store.GetKeyBySecretHash(ctx, hashSecret(secret))
	if err != nil {
		r.metrics.RecordKeyAuth(false)
		return nil, err
	}

	now := r.clock().UTC()
	if err := r.store.TouchKey(ctx, key.OwnerID, key.ID, now); err != nil {
		return nil, err
	}
	key.LastUsedAt = &now
	key.RequestCount++
	key.Secret = ""
	key.SecretHash = ""

	r.metrics.RecordKeyAuth(true)
	return key, nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
