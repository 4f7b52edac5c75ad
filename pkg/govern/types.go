package govern

import (
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	// PlanFree is the default tier assigned at registration.
	PlanFree Plan = "free"
	// PlanPro is the paid tier.
	PlanPro Plan = "pro"
	// PlanEnterprise is the top tier.
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Kind classifies a billable action.
type Kind string

const (
	// KindRequest is a plain API request.
	KindRequest Kind = "request"
	// KindCode is a code generation.
	KindCode Kind = "code"
	// KindImage is an image generation.
	KindImage Kind = "image"
	// KindAudio is one minute of audio generation.
	KindAudio Kind = "audio"
	// KindVideo is a video generation. Videos are tracked in lifetime
	// statistics but are not gated by the daily quota.
	KindVideo Kind = "video"
)

// Gated reports whether k is enforced by the quota ledger.
func (k Kind) Gated() bool {
	switch k {
	case KindRequest, KindCode, KindImage, KindAudio:
		return true
	}
	return false
}

// Account is a registered end-user identity. The ID is derived from the
// registration email and never changes for the life of the account.
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	Privileged  bool   `json:"privileged"`
}

// CredentialRecord pairs an account with its password hash. One record
// exists per account ID; the ID is the uniqueness key.
type CredentialRecord struct {
	AccountID    string  `json:"account_id"`
	PasswordHash []byte  `json:"password_hash"`
	Profile      Account `json:"profile"`
}

// APIKey is a bearer credential scoped to an account.
//
// Secret is populated exactly once, on the Create call that minted the
// key. It is never stored and never recoverable afterward; only the
// SHA-256 digest is persisted, plus a short prefix and suffix for
// display.
type APIKey struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	Secret       string     `json:"secret,omitempty"`
	SecretHash   string     `json:"-"`
	Prefix       string     `json:"prefix"`
	Suffix       string     `json:"suffix"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
}

// DayUsage holds the daily counters that the ledger resets at each
// UTC day boundary.
type DayUsage struct {
	Requests         int `json:"requests"`
	CodeGenerations  int `json:"code_generations"`
	ImageGenerations int `json:"image_generations"`
	AudioMinutes     int `json:"audio_minutes"`
}

// MinuteWindow tracks the fixed one-minute request window used for the
// requests-per-minute gate.
type MinuteWindow struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// QuotaState is the per-account ledger record. Plan is authoritative
// here: every other view of the account's tier reads it from this
// record.
type QuotaState struct {
	AccountID string       `json:"account_id"`
	Plan      Plan         `json:"plan"`
	Usage     DayUsage     `json:"usage"`
	LastReset string       `json:"last_reset"` // day key, UTC 2006-01-02
	Minute    MinuteWindow `json:"minute"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GenerationTotals holds lifetime generation counts by kind.
type GenerationTotals struct {
	Code  int64 `json:"code"`
	Image int64 `json:"image"`
	Video int64 `json:"video"`
	Audio int64 `json:"audio"`
}

// LifetimeUsage holds the cumulative, non-resetting statistics for an
// account. Plan and DailyRequestLimit are composed from the account's
// QuotaState when the record is read, so the two views cannot diverge.
type LifetimeUsage struct {
	AccountID         string           `json:"account_id"`
	TotalRequests     int64            `json:"total_requests"`
	Generations       GenerationTotals `json:"generations"`
	StorageBytes      int64            `json:"storage_bytes"`
	Plan              Plan             `json:"plan"`
	DailyRequestLimit int              `json:"daily_request_limit"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NormalizeAccountID derives the immutable account ID from an email-like
// identifier: trimmed and lowercased.
func NormalizeAccountID(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// DayKey returns the calendar-date key for t in the reference timezone (UTC).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func minuteStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Advance applies the daily reset and minute-window roll for the given
// instant. Daily counters are zeroed exactly once when the day key
// changes; they are never decremented otherwise. Reports whether the
// daily counters were reset.
//
// Storage implementations call Advance inside their own transaction so
// the reset is atomic with respect to the check that follows.
func (qs *QuotaState) Advance(now time.Time) bool {
	reset := false
	if day := DayKey(now); qs.LastReset != day {
		qs.Usage = DayUsage{}
		qs.LastReset = day
		reset = true
	}
	if ms := minuteStart(now); !qs.Minute.Start.Equal(ms) {
		qs.Minute = MinuteWindow{Start: ms}
	}
	return reset
}

// Gate checks the advanced state against limits for kind and, when
// apply is true, records the admission. Every gated kind counts against
// the generic request limits; non-request kinds additionally count
// against their own daily limit. The check and the increment happen on
// the same state under the caller's transaction, so no two concurrent
// callers can both be admitted for the last remaining unit.
func (qs *QuotaState) Gate(kind Kind, limits Limits, now time.Time, apply bool) error {
	if !kind.Gated() {
		return ErrInvalidKind
	}

	if qs.Minute.Count >= limits.RequestsPerMinute {
		retry := qs.Minute.Start.Add(time.Minute).Sub(now.UTC())
		if retry < 0 {
			retry = 0
		}
		return &RateLimitError{
			Limit:      limits.RequestsPerMinute,
			RetryAfter: retry,
		}
	}
	if qs.Usage.Requests >= limits.RequestsPerDay {
		return &QuotaExceededError{Kind: KindRequest, Used: qs.Usage.Requests, Limit: limits.RequestsPerDay}
	}

	switch kind {
	case KindCode:
		if qs.Usage.CodeGenerations >= limits.CodeGenerations {
			return &QuotaExceededError{Kind: kind, Used: qs.Usage.CodeGenerations, Limit: limits.CodeGenerations}
		}
	case KindImage:
		if qs.Usage.ImageGenerations >= limits.ImageGenerations {
			return &QuotaExceededError{Kind: kind, Used: qs.Usage.ImageGenerations, Limit: limits.ImageGenerations}
		}
	case KindAudio:
		if qs.Usage.AudioMinutes >= limits.AudioMinutes {
			return &QuotaExceededError{Kind: kind, Used: qs.Usage.AudioMinutes, Limit: limits.AudioMinutes}
		}
	}

	if !apply {
		return nil
	}

	qs.Minute.Count++
	qs.Usage.Requests++
	switch kind {
	case KindCode:
		qs.Usage.CodeGenerations++
	case KindImage:
		qs.Usage.ImageGenerations++
	case KindAudio:
		qs.Usage.AudioMinutes++
	}
	return nil
}
