package api

import (
	"fmt"
	"time"

	"github.com/forgeapps/govern/pkg/govern"
)

// Config holds configuration for the account-management API handler.
type Config struct {
	// Authority handles registration, login, and password operations
	// (required).
	Authority *govern.Authority

	// Keys handles API key issuance and revocation (required).
	Keys *govern.KeyRegistry

	// Ledger supplies current quota standing (required).
	Ledger *govern.Ledger

	// Usage supplies lifetime statistics (required).
	Usage *govern.Accumulator

	// JWTSecret signs session tokens (required).
	JWTSecret []byte

	// TokenTTL is the session token lifetime (default: 24h).
	TokenTTL time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger govern.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Authority == nil {
		return fmt.Errorf("authority is required")
	}
	if c.Keys == nil {
		return fmt.Errorf("key registry is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Usage == nil {
		return fmt.Errorf("usage accumulator is required")
	}
	if len(c.JWTSecret) == 0 {
		return fmt.Errorf("jwt secret is required")
	}
	return nil
}
