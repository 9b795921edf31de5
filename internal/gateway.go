// Package gateway defines domain types and interfaces for the Mithril LLM
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"
)

// --- Users ---

// UserStatus is the lifecycle state of a user.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

// User is a tenant of the gateway. Users are created and mutated only through
// the admin surface; they are never physically deleted while keys or usage
// records reference them.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email,omitempty"` // unique when present
	Name      string     `json:"name,omitempty"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// --- API keys ---

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// APIKey is a hashed bearer credential owned by a user. The plaintext is
// returned exactly once at creation and is irrecoverable thereafter; only the
// argon2id verifier hash and the non-secret 12-character prefix are stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Hash       string     `json:"-"` // PHC-encoded argon2id verifier, never exposed
	Prefix     string     `json:"prefix"`
	Label      string     `json:"label,omitempty"`
	Status     KeyStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TokenPrefix is the fixed prefix of all Mithril API key plaintexts.
const TokenPrefix = "mth_"

// PrefixLen is the length of the stored lookup prefix (first characters of
// the plaintext). The prefix is an index, not a secret.
const PrefixLen = 12

// --- Quotas ---

// Quota is the per-user admission policy, 1:1 with User. A nil
// MonthlySpendCapUSD means unlimited monthly spend.
type Quota struct {
	UserID             string    `json:"user_id"`
	DailyRequests      int64     `json:"daily_requests"`
	DailyTokens        int64     `json:"daily_tokens"`
	MonthlySpendCapUSD *float64  `json:"monthly_spend_cap_usd"`
	MaxConcurrent      int       `json:"max_concurrent_requests"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// --- Usage ---

// Usage record status values.
const (
	UsageSuccess = "success"
	UsageError   = "error"
)

// ProviderUnknown is recorded when a request fails before provider selection.
const ProviderUnknown = "unknown"

// UsageRecord is one append-only accounting row per admitted request, written
// exactly once whether the upstream call succeeded or failed.
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"` // "openai", "anthropic", or "unknown"
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_estimate_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       string    `json:"status"` // "success" or "error"
	ErrorMessage string    `json:"error_message,omitempty"`
	Day          string    `json:"-"` // local date "2006-01-02", aggregate bucket
	CreatedAt    time.Time `json:"created_at"`
}

// DailyAggregate is the per-(user, local day) materialized usage summary.
// It is maintained atomically with usage record insertion and written by no
// other path.
type DailyAggregate struct {
	UserID       string  `json:"user_id"`
	Date         string  `json:"date"` // "2006-01-02"
	RequestCount int64   `json:"request_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// UsageStats summarizes a user's usage over the standard admin windows.
type UsageStats struct {
	Today    UsageWindow `json:"today"`
	Month    UsageWindow `json:"this_month"`
	AllTime  UsageWindow `json:"all_time"`
}

// UsageWindow is one row of UsageStats.
type UsageWindow struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// --- Completion request/response ---

// Provider tags accepted on a completion request.
const (
	ProviderAuto      = "auto"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Message roles accepted on a completion request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Response format values accepted on a completion request.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Request body bounds.
const (
	MaxMessages       = 100
	MaxContentLen     = 100_000
	MaxTemperature    = 2.0
	MaxTokensCeiling  = 16_000
)

// Message is one turn of a unified chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the unified, provider-agnostic request shape.
type CompletionRequest struct {
	Provider       string    `json:"provider,omitempty"` // "", "auto", "openai", "anthropic"
	Model          string    `json:"model,omitempty"`
	Messages       []Message `json:"messages"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	ResponseFormat string    `json:"response_format,omitempty"` // "", "text", "json"
}

// Completion is the normalized upstream response envelope.
type Completion struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"` // upstream value, "unknown" if absent
}

// --- Identity ---

// Identity is the authenticated caller bound to a request after the bearer
// token verifies.
type Identity struct {
	UserID    string
	KeyID     string
	KeyPrefix string
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the gateway-assigned request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
