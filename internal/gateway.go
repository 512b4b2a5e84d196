// Package gateway defines domain types and interfaces for the Alfred AI gateway
// and credit-governance engine. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider instance identifier (e.g., "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request. The
	// returned channel produces a finite, single-pass sequence terminated by
	// exactly one chunk with Done or Err set.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// ChatRequest is the canonical, OpenAI-compatible chat completion request.
// Provider-specific fields never appear here; adapters translate at the boundary.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	Stop          json.RawMessage `json:"stop,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	User          string          `json:"user,omitempty"`

	// Metadata carries gateway-internal request facts populated from headers.
	// Never serialized to providers.
	Metadata RequestMetadata `json:"-"`
}

// RequestMetadata is gateway-internal request context resolved from custom headers.
type RequestMetadata struct {
	ProjectID       string
	Priority        string // "critical" or "normal"
	ResidencyRegion string
	PrivacyStrict   bool // X-Privacy-Mode: strict
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse is the canonical chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// AlfredUsage reports credit accounting for the request. Attached by the
	// gateway after settlement; never produced by providers.
	AlfredUsage *AlfredUsage `json:"alfred_usage,omitempty"`
}

// AlfredUsage reports the credit outcome of a settled request.
type AlfredUsage struct {
	CreditsCharged   Credits `json:"credits_charged"`
	RemainingBalance Credits `json:"remaining_balance"`
	CostUSD          float64 `json:"cost_usd"`
	CacheHit         bool    `json:"cache_hit,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Canonical finish reasons. Adapters translate provider-native reasons into
// this closed set.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
	FinishCancelled     = "cancelled" // client disconnect; audit only
)

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single event in a streaming response.
type StreamChunk struct {
	Data         []byte // raw OpenAI-format SSE data payload, forwarded as-is
	Delta        string // extracted delta text, for metering and guardrails
	FinishReason string // non-empty on the terminal content chunk
	Usage        *Usage // non-nil when the provider reports final usage
	Done         bool
	Err          error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Credits ---

// Credits is the internal fixed-point accounting unit for AI spend.
// One credit equals CreditScale units; arithmetic stays in integers so
// money is never represented as binary floating point.
type Credits int64

// CreditScale is the fixed-point scale: four decimal places.
const CreditScale = 10_000

// CreditsFromFloat converts a decimal credit amount to fixed point,
// rounding half away from zero.
func CreditsFromFloat(f float64) Credits {
	scaled := f * CreditScale
	if scaled >= 0 {
		return Credits(scaled + 0.5)
	}
	return Credits(scaled - 0.5)
}

// Float returns the decimal credit amount. Display and USD conversion at the
// edges only; internal arithmetic never leaves fixed point.
func (c Credits) Float() float64 { return float64(c) / CreditScale }

// MarshalJSON renders credits as a decimal number with four places.
func (c Credits) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Float())
}

// UnmarshalJSON accepts a decimal number and converts to fixed point.
func (c *Credits) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*c = CreditsFromFloat(f)
	return nil
}

// MarshalYAML mirrors the JSON form so config files use decimal credits.
func (c Credits) MarshalYAML() (any, error) { return c.Float(), nil }

// UnmarshalYAML accepts a decimal number and converts to fixed point.
func (c *Credits) UnmarshalYAML(unmarshal func(any) error) error {
	var f float64
	if err := unmarshal(&f); err != nil {
		return err
	}
	*c = CreditsFromFloat(f)
	return nil
}

// --- Wallets and ledger ---

// WalletKind identifies a wallet's level in the budget hierarchy.
type WalletKind string

const (
	WalletOrg     WalletKind = "org"
	WalletTeam    WalletKind = "team"
	WalletUser    WalletKind = "user"
	WalletProject WalletKind = "project"
)

// Wallet is a node in the budget hierarchy. Balances are mutated only through
// the wallet engine; wallets are never destroyed, only retired.
type Wallet struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Kind            WalletKind `json:"kind"`
	LimitCredits    Credits    `json:"limit_credits"`
	BalanceCredits  Credits    `json:"balance_credits"`
	ReservedCredits Credits    `json:"reserved_credits"`
	CycleStart      time.Time  `json:"cycle_start"`
	CycleEnd        time.Time  `json:"cycle_end"`
	HardCap         bool       `json:"hard_cap"`
	OverdraftBPS    int64      `json:"overdraft_bps"`
	Retired         bool       `json:"retired"`
}

// Overdraft returns the extra credits the wallet may draw beyond its limit.
func (w *Wallet) Overdraft() Credits {
	if w.HardCap || w.OverdraftBPS <= 0 {
		return 0
	}
	return Credits(int64(w.LimitCredits) * w.OverdraftBPS / 10_000)
}

// Available returns balance minus outstanding reservations.
func (w *Wallet) Available() Credits {
	return w.BalanceCredits - w.ReservedCredits
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryReserve        EntryKind = "reserve"
	EntrySettle         EntryKind = "settle"
	EntryRefund         EntryKind = "refund"
	EntryTransferDebit  EntryKind = "transfer_debit"
	EntryTransferCredit EntryKind = "transfer_credit"
	EntryRollover       EntryKind = "rollover"
	EntryRefused        EntryKind = "refused"
	EntryCacheFlush     EntryKind = "cache_flush"
)

// LedgerEntry is one record in the append-only, hash-chained journal.
// Hash covers PrevHash plus the canonical encoding of all other fields.
type LedgerEntry struct {
	Seq           uint64    `json:"seq"`
	TS            time.Time `json:"ts"`
	WalletID      string    `json:"wallet_id"`
	Kind          EntryKind `json:"kind"`
	AmountCredits Credits   `json:"amount_credits"`
	RefID         string    `json:"ref_id"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// ReservationState is the lifecycle state of a credit hold.
type ReservationState string

const (
	ReservationOpen     ReservationState = "open"
	ReservationSettled  ReservationState = "settled"
	ReservationExpired  ReservationState = "expired"
	ReservationRefunded ReservationState = "refunded"
)

// Reservation is an ephemeral hold against a wallet covering an in-flight request.
type Reservation struct {
	ID             string           `json:"id"`
	WalletID       string           `json:"wallet_id"`
	ReservedAmount Credits          `json:"reserved_amount"`
	SettledAmount  Credits          `json:"settled_amount"`
	CreatedAt      time.Time        `json:"created_at"`
	TTL            time.Duration    `json:"ttl"`
	State          ReservationState `json:"state"`
}

// Expired reports whether an open reservation is past its TTL at the given time.
func (r *Reservation) Expired(now time.Time) bool {
	return r.State == ReservationOpen && now.After(r.CreatedAt.Add(r.TTL))
}

// --- Multi-tenant identity ---

// APIKey represents an API key for authentication. Each key is bound to a
// tenant (org) and resolves to the wallet charged for its requests.
type APIKey struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix     string     `json:"key_prefix"`
	OrgID         string     `json:"org_id"`
	TeamID        string     `json:"team_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	WalletID      string     `json:"wallet_id"`
	Role          string     `json:"role"`
	RPMLimit      int64      `json:"rpm_limit,omitempty"`
	TPMLimit      int64      `json:"tpm_limit,omitempty"`
	PrivacyStrict bool       `json:"privacy_strict,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Blocked       bool       `json:"blocked"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	KeyID         string `json:"key_id"`
	OrgID         string `json:"org_id"` // tenant
	TeamID        string `json:"team_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	WalletID      string `json:"wallet_id"`
	Role          string `json:"role"`
	PrivacyStrict bool   `json:"-"`
	RPMLimit      int64  `json:"-"` // 0 = unlimited
	TPMLimit      int64  `json:"-"` // 0 = unlimited
}

// UsageRecord represents a single metered API request.
type UsageRecord struct {
	ID               string    `json:"id"`
	KeyID            string    `json:"key_id"`
	OrgID            string    `json:"org_id"`
	TeamID           string    `json:"team_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	WalletID         string    `json:"wallet_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	Model            string    `json:"model"`
	ProviderID       string    `json:"provider_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreditsCharged   Credits   `json:"credits_charged"`
	FinishReason     string    `json:"finish_reason"`
	Cached           bool      `json:"cached"`
	PrivacyStrict    bool      `json:"privacy_strict"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageFilter narrows usage record queries. Zero fields are ignored.
// Since and Until are RFC 3339 timestamps compared against created_at.
type UsageFilter struct {
	OrgID  string
	KeyID  string
	Model  string
	Since  string
	Until  string
	Limit  int
	Offset int
}

// LedgerFilter narrows audit journal queries. Zero fields are ignored.
type LedgerFilter struct {
	WalletID string
	FromSeq  uint64
	Limit    int
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, falling back to a fresh context value (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
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

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Alfred API keys.
const APIKeyPrefix = "alf_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
