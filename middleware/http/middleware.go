// Package http provides net/http middleware that gates request-serving
// endpoints on the quota ledger: the caller is authenticated by API
// key, one unit is consumed before the handler runs, and lifetime
// statistics are recorded after it completes successfully.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgeapps/govern/pkg/govern"
)

type contextKey string

const ctxAccountIDKey contextKey = "govern.account_id"

// KindExtractor maps a request to the usage kind it consumes.
type KindExtractor func(r *http.Request) govern.Kind

// AccountIDExtractor resolves the requesting account without API-key
// authentication, for endpoints behind a session layer.
type AccountIDExtractor func(r *http.Request) string

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
	// If nil, returns 401 with a JSON error body.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnQuotaExceeded is called when the daily quota refuses.
	// If nil, returns 429 with usage info.
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, err *govern.QuotaExceededError)

	// OnRateLimited is called when the per-minute window refuses.
	// If nil, returns 429 with a Retry-After header.
	OnRateLimited func(w http.ResponseWriter, r *http.Request, err *govern.RateLimitError)

	// OnError is called for storage and other internal errors.
	// If nil, returns 500 (503 for storage unavailability).
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates a net/http middleware that enforces the quota gate.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("govern/http: Config.Ledger is required")
	}
	if cfg.Usage == nil {
		panic("govern/http: Config.Usage is required")
	}
	if cfg.Keys == nil && cfg.GetAccountID == nil {
		panic("govern/http: Config.Keys or Config.GetAccountID is required")
	}
	if cfg.GetKind == nil {
		cfg.GetKind = func(*http.Request) govern.Kind { return govern.KindRequest }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := cfg.resolveAccount(w, r)
			if !ok {
				return
			}

			kind := cfg.GetKind(r)
			if _, err := cfg.Ledger.Consume(r.Context(), accountID, kind); err != nil {
				cfg.refuse(w, r, err)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithAccountID(r.Context(), accountID)))

			if rec.status < http.StatusBadRequest {
				// Admitted quota stays consumed even when recording
				// fails; lifetime statistics are best effort here.
				_ = cfg.Usage.Record(r.Context(), accountID, kind)
			}
		})
	}
}

func (cfg Config) resolveAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	if cfg.GetAccountID != nil {
		if id := cfg.GetAccountID(r); id != "" {
			return id, true
		}
		cfg.unauthorized(w, r)
		return "", false
	}

	secret := extractBearer(r)
	if secret == "" {
		cfg.unauthorized(w, r)
		return "", false
	}
	key, err := cfg.Keys.Authenticate(r.Context(), secret)
	if err != nil {
		if errors.Is(err, govern.ErrKeyNotFound) {
			cfg.unauthorized(w, r)
		} else {
			cfg.fail(w, r, err)
		}
		return "", false
	}
	return key.OwnerID, true
}

func (cfg Config) refuse(w http.ResponseWriter, r *http.Request, err error) {
	var qe *govern.QuotaExceededError
	if errors.As(err, &qe) {
		if cfg.OnQuotaExceeded != nil {
			cfg.OnQuotaExceeded(w, r, qe)
			return
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "quota exceeded",
			"kind":  qe.Kind,
			"used":  qe.Used,
			"limit": qe.Limit,
		})
		return
	}

	var re *govern.RateLimitError
	if errors.As(err, &re) {
		if cfg.OnRateLimited != nil {
			cfg.OnRateLimited(w, r, re)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(re.RetryAfter.Seconds()+0.5)))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate limit exceeded",
			"limit": re.Limit,
		})
		return
	}

	cfg.fail(w, r, err)
}

func (cfg Config) unauthorized(w http.ResponseWriter, r *http.Request) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(w, r)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
}

func (cfg Config) fail(w http.ResponseWriter, r *http.Request, err error) {
	if cfg.OnError != nil {
		cfg.OnError(w, r, err)
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, govern.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"error": "internal error"})
}

// WithAccountID returns a context carrying the authenticated account ID.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxAccountIDKey, accountID)
}

// AccountIDFromContext returns the authenticated account ID or "".
func AccountIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxAccountIDKey).(string)
	return id
}

// FixedKind returns a KindExtractor that always returns kind.
func FixedKind(kind govern.Kind) KindExtractor {
	return func(*http.Request) govern.Kind { return kind }
}

// FromHeader returns an AccountIDExtractor that reads a header.
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string { return r.Header.Get(headerName) }
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
