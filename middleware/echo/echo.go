// Package echo provides Echo middleware for quota enforcement
package echo

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/forgeapps/govern/pkg/govern"
)

const ctxAccountIDKey = "govern.account_id"

// KindExtractor maps a request to the usage kind it consumes.
type KindExtractor func(c echo.Context) govern.Kind

// AccountIDExtractor resolves the requesting account without API-key
// authentication. Return empty string if the user is not authenticated.
type AccountIDExtractor func(c echo.Context) string

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
}

// Middleware creates an Echo middleware that enforces quota limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("govern/echo: Config.Ledger is required")
	}
	if cfg.Usage == nil {
		panic("govern/echo: Config.Usage is required")
	}
	if cfg.Keys == nil && cfg.GetAccountID == nil {
		panic("govern/echo: Config.Keys or Config.GetAccountID is required")
	}
	if cfg.GetKind == nil {
		cfg.GetKind = func(echo.Context) govern.Kind { return govern.KindRequest }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID, err := cfg.resolveAccount(c)
			if err != nil {
				return err
			}
			c.Set(ctxAccountIDKey, accountID)

			kind := cfg.GetKind(c)
			if _, err := cfg.Ledger.Consume(c.Request().Context(), accountID, kind); err != nil {
				return refusal(c, err)
			}

			if err := next(c); err != nil {
				return err
			}

			if c.Response().Status < http.StatusBadRequest {
				_ = cfg.Usage.Record(c.Request().Context(), accountID, kind)
			}
			return nil
		}
	}
}

func (cfg Config) resolveAccount(c echo.Context) (string, error) {
	if cfg.GetAccountID != nil {
		if id := cfg.GetAccountID(c); id != "" {
			return id, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	secret := extractBearer(c)
	if secret == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	key, err := cfg.Keys.Authenticate(c.Request().Context(), secret)
	if err != nil {
		if errors.Is(err, govern.ErrKeyNotFound) {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		return "", echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return key.OwnerID, nil
}

func refusal(c echo.Context, err error) error {
	var qe *govern.QuotaExceededError
	if errors.As(err, &qe) {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error": "quota exceeded",
			"kind":  qe.Kind,
			"used":  qe.Used,
			"limit": qe.Limit,
		})
	}

	var re *govern.RateLimitError
	if errors.As(err, &re) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(re.RetryAfter.Seconds()+0.5)))
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate limit exceeded",
			"limit": re.Limit,
		})
	}

	if errors.Is(err, govern.ErrStorageUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// AccountIDFromContext returns the authenticated account ID set by the
// middleware, or "".
func AccountIDFromContext(c echo.Context) string {
	if str, ok := c.Get(ctxAccountIDKey).(string); ok {
		return str
	}
	return ""
}

func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
