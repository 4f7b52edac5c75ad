// Package gin provides Gin middleware for quota enforcement
package gin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	gongin "github.com/gin-gonic/gin"

	"github.com/forgeapps/govern/pkg/govern"
)

// ctxAccountIDKey is the Gin context key carrying the authenticated
// account ID.
const ctxAccountIDKey = "govern.account_id"

// KindExtractor maps a request to the usage kind it consumes.
type KindExtractor func(c *gongin.Context) govern.Kind

// AccountIDExtractor resolves the requesting account without API-key
// authentication. Return empty string if the user is not authenticated.
type AccountIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Ledger is the quota gate (required).
	Ledger *govern.Ledger

	// Usage records lifetime statistics after successful completion
	// (required).
	Usage *govern.Accumulator

	// Keys authenticates the Authorization bearer secret and touches
	// the key. Required unless GetAccountID is set.
	Keys *govern.KeyRegistry

	// GetAccountID bypasses API-key authentication (optional).
	GetAccountID AccountIDExtractor

	// GetKind maps the request to a usage kind (optional).
	// Default: every request is govern.KindRequest.
	GetKind KindExtractor

	// OnUnauthorized is called when no account can be resolved.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnQuotaExceeded is called when the daily quota refuses.
	// If nil, returns 429 JSON with usage info.
	OnQuotaExceeded func(c *gongin.Context, err *govern.QuotaExceededError)

	// OnRateLimited is called when the per-minute window refuses.
	// If nil, returns 429 with a Retry-After header.
	OnRateLimited func(c *gongin.Context, err *govern.RateLimitError)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces quota limits
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("govern/gin: Config.Ledger is required")
	}
	if cfg.Usage == nil {
		panic("govern/gin: Config.Usage is required")
	}
	if cfg.Keys == nil && cfg.GetAccountID == nil {
		panic("govern/gin: Config.Keys or Config.GetAccountID is required")
	}
	if cfg.GetKind == nil {
		cfg.GetKind = FixedKind(govern.KindRequest)
	}

	return func(c *gongin.Context) {
		accountID := cfg.resolveAccount(c)
		if accountID == "" {
			c.Abort()
			return
		}
		c.Set(ctxAccountIDKey, accountID)

		kind := cfg.GetKind(c)
		if _, err := cfg.Ledger.Consume(c.Request.Context(), accountID, kind); err != nil {
			cfg.refuse(c, err)
			c.Abort()
			return
		}

		c.Next()

		if c.Writer.Status() < http.StatusBadRequest {
			_ = cfg.Usage.Record(c.Request.Context(), accountID, kind)
		}
	}
}

func (cfg Config) resolveAccount(c *gongin.Context) string {
	if cfg.GetAccountID != nil {
		if id := cfg.GetAccountID(c); id != "" {
			return id
		}
		cfg.unauthorized(c)
		return ""
	}

	secret := extractBearer(c)
	if secret == "" {
		cfg.unauthorized(c)
		return ""
	}
	key, err := cfg.Keys.Authenticate(c.Request.Context(), secret)
	if err != nil {
		if errors.Is(err, govern.ErrKeyNotFound) {
			cfg.unauthorized(c)
		} else {
			cfg.fail(c, err)
		}
		return ""
	}
	return key.OwnerID
}

func (cfg Config) refuse(c *gongin.Context, err error) {
	var qe *govern.QuotaExceededError
	if errors.As(err, &qe) {
		if cfg.OnQuotaExceeded != nil {
			cfg.OnQuotaExceeded(c, qe)
			return
		}
		c.JSON(http.StatusTooManyRequests, gongin.H{
			"error": "quota exceeded",
			"kind":  qe.Kind,
			"used":  qe.Used,
			"limit": qe.Limit,
		})
		return
	}

	var re *govern.RateLimitError
	if errors.As(err, &re) {
		c.Header("Retry-After", strconv.Itoa(int(re.RetryAfter.Seconds()+0.5)))
		if cfg.OnRateLimited != nil {
			cfg.OnRateLimited(c, re)
			return
		}
		c.JSON(http.StatusTooManyRequests, gongin.H{
			"error": "rate limit exceeded",
			"limit": re.Limit,
		})
		return
	}

	cfg.fail(c, err)
}

func (cfg Config) unauthorized(c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
		return
	}
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
}

func (cfg Config) fail(c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, govern.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gongin.H{"error": "internal error"})
}

// AccountIDFromContext returns the authenticated account ID set by the
// middleware, or "".
func AccountIDFromContext(c *gongin.Context) string {
	if val, exists := c.Get(ctxAccountIDKey); exists {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// FixedKind returns a KindExtractor that always returns kind.
func FixedKind(kind govern.Kind) KindExtractor {
	return func(*gongin.Context) govern.Kind { return kind }
}

// KindFromParam returns a KindExtractor that reads a route parameter.
func KindFromParam(paramName string) KindExtractor {
	return func(c *gongin.Context) govern.Kind {
		return govern.Kind(c.Param(paramName))
	}
}

// FromContext returns an AccountIDExtractor that gets the account ID
// from Gin context values, for integrating with auth middleware that
// sets it via c.Set.
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header.
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

func extractBearer(c *gongin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
