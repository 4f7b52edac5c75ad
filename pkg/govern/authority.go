package govern

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RootCredential is the operational break-glass identity. It is
// supplied by the embedding application (typically from the
// environment) and compared with bcrypt; the module never embeds a
// literal secret.
type RootCredential struct {
	Email        string
	PasswordHash []byte
}

// RecoveryVerifier optionally proves possession of the recovery
// identifier out of band (emailed token, OTP). When configured, the
// recovery flow calls Begin after a successful identify and Verify
// before the password is replaced.
type RecoveryVerifier interface {
	Begin(ctx context.Context, accountID string) error
	Verify(ctx context.Context, accountID, token string) error
}

// AuthorityConfig holds session authority configuration.
type AuthorityConfig struct {
	// Root is the externally provisioned privileged identity (optional).
	Root *RootCredential

	// BcryptCost overrides the password hashing cost (default: bcrypt.DefaultCost).
	BcryptCost int

	// Verifier adds an out-of-band possession check to the recovery
	// flow (optional).
	Verifier RecoveryVerifier

	// AvatarRef generates the default avatar reference for a new
	// account (optional).
	AvatarRef func(displayName string) string

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics).
	Metrics Metrics

	// Clock supplies the current time (default: time.Now). Tests
	// inject a fixed clock.
	Clock func() time.Time
}

// Authority implements registration, login, and the password
// reset/change operations over a credential store.
type Authority struct {
	store Storage
	cfg   AuthorityConfig
}

// NewAuthority creates a session authority backed by the given storage.
func NewAuthority(store Storage, cfg AuthorityConfig) (*Authority, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.AvatarRef == nil {
		cfg.AvatarRef = DefaultAvatarRef
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
	return &Authority{store: store, cfg: cfg}, nil
}

// DefaultAvatarRef returns the generated avatar reference used when a
// new account does not supply one.
func DefaultAvatarRef(displayName string) string {
	return "https://ui-avatars.com/api/?background=random&name=" + url.QueryEscape(displayName)
}

// Register creates a new account with a freshly hashed password and
// initializes its ledger record (free plan) and lifetime statistics.
// Returns ErrDuplicateAccount if the identifier is taken; the existing
// record is never mutated.
func (a *Authority) Register(ctx context.Context, identifier, password, displayName string) (*Account, error) {
	id := NormalizeAccountID(identifier)
	if id == "" || password == "" {
		return nil, ErrInvalidCredential
	}
	if displayName == "" {
		displayName = id
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	rec := &CredentialRecord{
		AccountID:    id,
		PasswordHash: hash,
		Profile: Account{
			ID:          id,
			DisplayName: displayName,
			AvatarRef:   a.cfg.AvatarRef(displayName),
		},
	}
	if err := a.store.CreateCredential(ctx, rec); err != nil {
		a.cfg.Metrics.RecordRegistration(false)
		return nil, err
	}
	if err := a.initAccount(ctx, id); err != nil {
		return nil, err
	}

	a.cfg.Metrics.RecordRegistration(true)
	a.cfg.Logger.Info("account registered", Field{Key: "account_id", Value: id})
	acct := rec.Profile
	return &acct, nil
}

// Login verifies the password for an identifier. The configured root
// credential, when present, is checked first and yields a privileged
// account without touching storage.
func (a *Authority) Login(ctx context.Context, identifier, password string) (*Account, error) {
	id := NormalizeAccountID(identifier)

	if a.cfg.Root != nil && id == NormalizeAccountID(a.cfg.Root.Email) {
		if err := bcrypt.CompareHashAndPassword(a.cfg.Root.PasswordHash, []byte(password)); err != nil {
			a.cfg.Metrics.RecordLogin(id, false)
			return nil, ErrInvalidCredential
		}
		a.cfg.Metrics.RecordLogin(id, true)
		return &Account{ID: id, DisplayName: "root", Privileged: true}, nil
	}

	rec, err := a.store.GetCredential(ctx, id)
	if err != nil {
		a.cfg.Metrics.RecordLogin(id, false)
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(password)); err != nil {
		a.cfg.Metrics.RecordLogin(id, false)
		return nil, ErrInvalidCredential
	}

	a.cfg.Metrics.RecordLogin(id, true)
	acct := rec.Profile
	return &acct, nil
}

// LoginExternal completes an external identity-provider flow. A new
// identifier gets the same initialization side effects as Register,
// with an unguessable placeholder password so the account cannot be
// entered through the password path until one is set via recovery.
func (a *Authority) LoginExternal(ctx context.Context, identifier, displayName, avatarRef string) (*Account, error) {
	id := NormalizeAccountID(identifier)
	if id == "" {
		return nil, ErrInvalidCredential
	}

	rec, err := a.store.GetCredential(ctx, id)
	if err == nil {
		acct := rec.Profile
		return &acct, nil
	}
	if err != ErrAccountNotFound {
		return nil, err
	}

	placeholder := make([]byte, 32)
	if _, err := rand.Read(placeholder); err != nil {
		return nil, fmt.Errorf("generate placeholder credential: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(placeholder)), a.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash placeholder credential: %w", err)
	}
	if displayName == "" {
		displayName = id
	}
	if avatarRef == "" {
		avatarRef = a.cfg.AvatarRef(displayName)
	}

	rec = &CredentialRecord{
		AccountID:    id,
		PasswordHash: hash,
		Profile:      Account{ID: id, DisplayName: displayName, AvatarRef: avatarRef},
	}
	if err := a.store.CreateCredential(ctx, rec); err != nil {
		return nil, err
	}
	if err := a.initAccount(ctx, id); err != nil {
		return nil, err
	}

	a.cfg.Logger.Info("account registered via external provider", Field{Key: "account_id", Value: id})
	acct := rec.Profile
	return &acct, nil
}

// CheckEmail reports whether a credential record exists for the
// identifier. It is the first step of the recovery flow and leaks
// nothing beyond existence.
func (a *Authority) CheckEmail(ctx context.Context, identifier string) (bool, error) {
	_, err := a.store.GetCredential(ctx, NormalizeAccountID(identifier))
	if err == ErrAccountNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResetPassword unconditionally replaces the stored hash for an
// identifier whose existence has already been confirmed via CheckEmail.
// Returns ErrAccountNotFound if the record vanished between the steps.
func (a *Authority) ResetPassword(ctx context.Context, identifier, newPassword string) error {
	id := NormalizeAccountID(identifier)
	if newPassword == "" {
		return ErrInvalidCredential
	}

	rec, err := a.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	rec.PasswordHash = hash
	if err := a.store.UpdateCredential(ctx, rec); err != nil {
		return err
	}

	a.cfg.Logger.Info("password reset", Field{Key: "account_id", Value: id})
	return nil
}

// ChangePassword replaces the stored hash after verifying the old
// password. Returns ErrInvalidCredential on a mismatch.
func (a *Authority) ChangePassword(ctx context.Context, identifier, oldPassword, newPassword string) error {
	id := NormalizeAccountID(identifier)
	rec, err := a.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(oldPassword)); err != nil {
		return ErrInvalidCredential
	}
	return a.ResetPassword(ctx, id, newPassword)
}

// UpdateProfile mutates the display name and avatar reference of the
// owning account. The account ID itself is immutable.
func (a *Authority) UpdateProfile(ctx context.Context, accountID, displayName, avatarRef string) (*Account, error) {
	rec, err := a.store.GetCredential(ctx, NormalizeAccountID(accountID))
	if err != nil {
		return nil, err
	}
	if displayName != "" {
		rec.Profile.DisplayName = displayName
	}
	if avatarRef != "" {
		rec.Profile.AvatarRef = avatarRef
	}
	if err := a.store.UpdateCredential(ctx, rec); err != nil {
		return nil, err
	}
	acct := rec.Profile
	return &acct, nil
}

func (a *Authority) initAccount(ctx context.Context, accountID string) error {
	now := a.cfg.Clock()
	if err := a.store.InitQuotaState(ctx, accountID, PlanFree, now); err != nil {
		return err
	}
	return a.store.InitLifetimeUsage(ctx, accountID, now)
}
