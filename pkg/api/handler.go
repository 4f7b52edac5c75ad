// Package api exposes the account-management operations over HTTP:
// registration, sessions, the recovery endpoints, API key management,
// and usage reporting. Every error from the core is translated to a
// structured code; internal detail never reaches the response body.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/forgeapps/govern/pkg/govern"
)

type contextKey string

const ctxClaimsKey contextKey = "api.session"

// Handler provides the HTTP endpoints for the governance subsystem.
type Handler struct {
	config Config
}

// NewHandler creates a new API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = &govern.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Routes returns the router for mounting. Key management and usage
// endpoints require a session token; API keys themselves are never
// accepted here.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/accounts", h.register)
	r.Post("/sessions", h.login)
	r.Post("/recovery/identify", h.recoveryIdentify)
	r.Post("/recovery/reset", h.recoveryReset)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Post("/sessions/password", h.changePassword)
		r.Post("/keys", h.createKey)
		r.Get("/keys", h.listKeys)
		r.Delete("/keys/{id}", h.revokeKey)
		r.Get("/usage", h.getUsage)
	})

	return r
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	acct, err := h.config.Authority.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.issueToken(acct)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sessionResponse{Account: acct, Token: token})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	acct, err := h.config.Authority.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.issueToken(acct)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionResponse{Account: acct, Token: token})
}

func (h *Handler) recoveryIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	exists, err := h.config.Authority.CheckEmail(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !exists {
		h.writeError(w, govern.ErrAccountNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, identifyResponse{Exists: true})
}

func (h *Handler) recoveryReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.config.Authority.ResetPassword(r.Context(), req.Email, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.config.Authority.ChangePassword(r.Context(), claims.Subject, req.OldPassword, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req createKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	key, err := h.config.Keys.Create(r.Context(), claims.Subject, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// The only response that ever carries the secret.
	h.writeJSON(w, http.StatusCreated, key)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	keys, err := h.config.Keys.List(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.config.Keys.Revoke(r.Context(), claims.Subject, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getUsage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var lifetime *govern.LifetimeUsage
	var state *govern.QuotaState

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		lifetime, err = h.config.Usage.GetStats(ctx, claims.Subject)
		return err
	})
	g.Go(func() error {
		var err error
		state, err = h.config.Ledger.State(ctx, claims.Subject)
		if err == govern.ErrAccountNotFound {
			state, err = nil, nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		h.writeError(w, err)
		return
	}

	resp := usageResponse{Lifetime: lifetime}
	if state != nil {
		limits := state.Plan.Limits()
		resp.Today = &state.Usage
		resp.Limits = &limits
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// requireSession authenticates the Authorization bearer JWT and puts
// its claims into the request context.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r)
		if raw == "" {
			h.writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		claims, err := h.parseToken(raw)
		if err != nil {
			h.writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClaimsKey, claims)))
	})
}

func claimsFromContext(ctx context.Context) *sessionClaims {
	claims, _ := ctx.Value(ctxClaimsKey).(*sessionClaims)
	return claims
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, codeBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Error("encode response", govern.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, errorResponse{Error: code})
}

// writeError translates a core error into a status and stable code.
// One message per kind; nothing internal leaks.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var qe *govern.QuotaExceededError
	var re *govern.RateLimitError

	switch {
	case errors.Is(err, govern.ErrDuplicateAccount):
		h.writeErrorCode(w, http.StatusConflict, codeDuplicateAccount)
	case errors.Is(err, govern.ErrAccountNotFound):
		h.writeErrorCode(w, http.StatusNotFound, codeAccountNotFound)
	case errors.Is(err, govern.ErrInvalidCredential):
		h.writeErrorCode(w, http.StatusUnauthorized, codeInvalidCredential)
	case errors.Is(err, govern.ErrInvalidKeyName):
		h.writeErrorCode(w, http.StatusBadRequest, codeInvalidKeyName)
	case errors.As(err, &qe):
		h.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: codeQuotaExceeded, Kind: string(qe.Kind)})
	case errors.As(err, &re):
		h.writeErrorCode(w, http.StatusTooManyRequests, codeRateLimited)
	case errors.Is(err, govern.ErrStorageUnavailable):
		h.writeErrorCode(w, http.StatusServiceUnavailable, codeStorageUnavailable)
	default:
		h.config.Logger.Error("unhandled error", govern.Field{Key: "error", Value: err.Error()})
		h.writeErrorCode(w, http.StatusInternalServerError, codeInternal)
	}
}
