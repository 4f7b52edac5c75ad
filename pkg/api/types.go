package api

import "github.com/forgeapps/govern/pkg/govern"

// Error codes returned in error response bodies, one per taxonomy kind.
const (
	codeDuplicateAccount   = "duplicate_account"
	codeAccountNotFound    = "account_not_found"
	codeInvalidCredential  = "invalid_credential"
	codeInvalidKeyName     = "invalid_key_name"
	codeQuotaExceeded      = "quota_exceeded"
	codeRateLimited        = "rate_limited"
	codeStorageUnavailable = "storage_unavailable"
	codeBadRequest         = "bad_request"
	codeUnauthorized       = "unauthorized"
	codeInternal           = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Account *govern.Account `json:"account"`
	Token   string          `json:"token"`
}

type identifyRequest struct {
	Email string `json:"email"`
}

type identifyResponse struct {
	Exists bool `json:"exists"`
}

type resetRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type usageResponse struct {
	Lifetime *govern.LifetimeUsage `json:"lifetime"`
	Today    *govern.DayUsage      `json:"today"`
	Limits   *govern.Limits        `json:"limits"`
}
