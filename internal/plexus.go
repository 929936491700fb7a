// Package plexus defines domain types and interfaces for the Plexus LLM
// routing gateway. This package has no project imports -- it is the
// dependency root.
package plexus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// --- API dialects ---

// APIType identifies an inference wire format.
type APIType string

const (
	// APIChat is the OpenAI chat-completions dialect.
	APIChat APIType = "chat"
	// APIMessages is the Anthropic messages dialect.
	APIMessages APIType = "messages"
	// APIGemini is the Google Gemini generateContent dialect.
	APIGemini APIType = "gemini"
)

// KnownAPITypes lists the dialects that have transformers.
var KnownAPITypes = []APIType{APIChat, APIMessages, APIGemini}

// ParseAPIType matches s case-insensitively against the known dialects.
func ParseAPIType(s string) (APIType, bool) {
	switch strings.ToLower(s) {
	case "chat", "openai":
		return APIChat, true
	case "messages", "anthropic", "claude":
		return APIMessages, true
	case "gemini", "google":
		return APIGemini, true
	}
	return "", false
}

// --- Unified request/response ---

// Message is a dialect-neutral chat message. Content holds either a JSON
// string or an array of content parts, preserved raw so pass-through stays
// byte-faithful.
type Message struct {
	Role               string          `json:"role"`
	Content            json.RawMessage `json:"content,omitempty"`
	ReasoningContent   string          `json:"reasoning_content,omitempty"`
	ReasoningSignature string          `json:"-"` // Anthropic thinking signature, not round-trippable elsewhere
	ToolCalls          json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID         string          `json:"tool_call_id,omitempty"`
}

// Request is the dialect-neutral inference input produced by parsing any of
// the three client dialects.
type Request struct {
	Model       string          `json:"model"`
	IncomingAPI APIType         `json:"incoming_api_type"`
	Messages    []Message       `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`

	// OriginalBody is the raw client body, retained for pass-through when
	// the incoming and upstream dialects match.
	OriginalBody json.RawMessage `json:"-"`
	RequestID    string          `json:"-"`
}

// SystemText concatenates the text of all system messages.
func (r *Request) SystemText() string {
	var b strings.Builder
	for _, m := range r.Messages {
		if m.Role != "system" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ContentText(m.Content))
	}
	return b.String()
}

// ContentText extracts plain text from a message content field, which may be
// a JSON string or an array of typed parts.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// ToolCall is a completed tool invocation in a unified response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage holds unified token accounting. Stream events carry cumulative
// totals; consumers must set, not add, when an event supplies fresh values.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CachedTokens    int `json:"cached_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Pricing is USD per million tokens for one model.
type Pricing struct {
	InputPerM       float64 `yaml:"input" json:"input"`
	OutputPerM      float64 `yaml:"output" json:"output"`
	CachedInputPerM float64 `yaml:"cached_input" json:"cached_input"`
	ReasoningPerM   float64 `yaml:"reasoning" json:"reasoning"`
}

// RouteInfo records where a request actually went. It is attached to every
// unified response for metering and debugging.
type RouteInfo struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	APIType        APIType  `json:"api_type"`
	Pricing        *Pricing `json:"pricing,omitempty"`
	Discount       float64  `json:"provider_discount,omitempty"`
	CanonicalModel string   `json:"canonical_model,omitempty"`
	IncomingAlias  string   `json:"incoming_alias,omitempty"`
	PassThrough    bool     `json:"-"`
	OAuthAccount   string   `json:"-"`
}

// Response is the dialect-neutral inference result. Stream and Content are
// mutually exclusive: streaming responses carry the raw upstream body and
// nil content.
type Response struct {
	ID               string          `json:"id"`
	Model            string          `json:"model"`
	Created          int64           `json:"created"`
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	Usage            Usage           `json:"usage"`
	RawResponse      json.RawMessage `json:"-"`

	Stream               io.ReadCloser `json:"-"`
	BypassTransformation bool          `json:"-"`

	Route RouteInfo `json:"plexus"`
}

// --- Streaming ---

// StreamChunk is one unified streaming event between a provider transformer
// and a client formatter.
type StreamChunk struct {
	ID                 string
	Model              string
	Role               string // non-empty on the first chunk of a message
	ContentDelta       string
	ReasoningDelta     string
	ReasoningSignature string
	ToolCall           *ToolCallDelta
	FinishReason       string
	Usage              *Usage // cumulative totals when present
	Done               bool
	Err                error
}

// ToolCallDelta is an incremental tool-call fragment.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamFormatter converts unified chunks into client-dialect SSE frames.
// Format returns zero or more complete frames (including trailing blank
// line); Flush returns the dialect terminator frames.
type StreamFormatter interface {
	Format(c StreamChunk) ([][]byte, error)
	Flush() [][]byte
}

// Transformer is the seven-operation dialect conversion contract. All three
// dialects implement it symmetrically; the dispatcher discovers instances
// through a factory keyed by APIType and never imports a concrete one.
type Transformer interface {
	// Dialect returns the wire format this transformer speaks.
	Dialect() APIType
	// ParseRequest converts a raw client body into a unified request.
	ParseRequest(body []byte) (*Request, error)
	// TransformRequest builds the outbound upstream body.
	TransformRequest(req *Request) ([]byte, error)
	// TransformResponse extracts content and usage from an upstream body.
	TransformResponse(body []byte) (*Response, error)
	// FormatResponse produces the client-shaped JSON for a unified response.
	FormatResponse(resp *Response) ([]byte, error)
	// TransformStream parses upstream SSE into unified chunks. The channel
	// is closed after a Done or Err chunk.
	TransformStream(ctx context.Context, body io.ReadCloser) <-chan StreamChunk
	// NewStreamFormatter returns a formatter that emits this dialect's
	// client SSE framing.
	NewStreamFormatter(req *Request) StreamFormatter
	// Endpoint returns the URL path for the given request.
	Endpoint(req *Request) string
}

// --- Provider and model configuration ---

// BaseURL is either a single URL or a per-dialect map. The map form uses
// the key "default" as fallback.
type BaseURL struct {
	Single     string
	PerDialect map[string]string
}

// UnmarshalYAML accepts `api_base_url: "https://…"` or a dialect map.
func (b *BaseURL) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		b.Single = s
		return nil
	}
	return unmarshal(&b.PerDialect)
}

// IsZero reports whether no URL is configured.
func (b BaseURL) IsZero() bool { return b.Single == "" && len(b.PerDialect) == 0 }

// StringList accepts a scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML accepts `type: chat` or `type: [chat, messages]`.
func (l *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		*l = StringList{s}
		return nil
	}
	var ss []string
	if err := unmarshal(&ss); err != nil {
		return err
	}
	*l = StringList(ss)
	return nil
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Name             string            `yaml:"-"`
	Type             StringList        `yaml:"type"`
	BaseURL          BaseURL           `yaml:"api_base_url"`
	APIKey           string            `yaml:"api_key"`
	OAuthProvider    string            `yaml:"oauth_provider"`
	OAuthAccountPool []string          `yaml:"oauth_account_pool"`
	ForceTransformer string            `yaml:"force_transformer"`
	Headers          map[string]string `yaml:"headers"`
	ExtraBody        map[string]any    `yaml:"extra_body"`
	Discount         float64           `yaml:"discount"`
	Enabled          *bool             `yaml:"enabled"`
	Models           []string          `yaml:"models"`
}

// IsEnabled reports whether the provider accepts traffic (default true).
func (p *ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// Target is one provider/model pair a model alias can resolve to.
type Target struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// ModelConfig maps a user-facing alias to upstream targets.
type ModelConfig struct {
	ID                string   `yaml:"id"`
	Targets           []Target `yaml:"targets"`
	AdditionalAliases []string `yaml:"additional_aliases"`
	Pricing           *Pricing `yaml:"pricing"`
	AccessVia         []string `yaml:"access_via"`
	Selector          string   `yaml:"selector"`
}

// Route is the resolver output: a concrete provider/model plus the configs
// that produced it.
type Route struct {
	Provider       string
	Model          string
	ProviderConfig *ProviderConfig
	ModelConfig    *ModelConfig // nil for direct provider/model syntax
	CanonicalModel string
	IncomingAlias  string
}

// --- Cooldown ---

// CooldownEntry is one `(provider, model, account)` failure record. An empty
// AccountID means the cooldown is provider-level.
type CooldownEntry struct {
	Provider  string
	Model     string
	AccountID string
	Expiry    time.Time
	CreatedAt time.Time
}

// CooldownKey builds the composite map key for an entry.
func CooldownKey(provider, model, accountID string) string {
	return provider + ":" + model + ":" + accountID
}

// --- Usage metering ---

// UsageRecord is the per-request metering row, written exactly once per
// terminated request.
type UsageRecord struct {
	RequestID       string    `json:"request_id"`
	Date            string    `json:"date"` // YYYY-MM-DD, UTC
	SourceIP        string    `json:"source_ip"`
	APIKey          string    `json:"api_key"`
	IncomingAPI     string    `json:"incoming_api_type"`
	Provider        string    `json:"provider"`
	IncomingAlias   string    `json:"incoming_model_alias"`
	SelectedModel   string    `json:"selected_model_name"`
	OutgoingAPI     string    `json:"outgoing_api_type"`
	TokensInput     int       `json:"tokens_input"`
	TokensOutput    int       `json:"tokens_output"`
	TokensReasoning int       `json:"tokens_reasoning"`
	TokensCached    int       `json:"tokens_cached"`
	CostTotal       float64   `json:"cost_total"`
	StartTime       time.Time `json:"start_time"`
	DurationMs      int64     `json:"duration_ms"`
	TTFTMs          int64     `json:"ttft_ms"`
	TokensPerSec    float64   `json:"tokens_per_sec"`
	IsStreamed      bool      `json:"is_streamed"`
	ResponseStatus  string    `json:"response_status"` // "success", "error", "HTTP <code>", "client_disconnect"
}

// --- Identity ---

// Scope is the identity under which a request runs: an API key name with
// optional attribution, or the admin key.
type Scope struct {
	KeyName     string
	Attribution string
	IsAdmin     bool
}

// OwnerKey returns the tenant key A2A resources are owned by.
func (s Scope) OwnerKey() string { return s.KeyName }

// ScopedIdempotencyKey hashes a caller-supplied idempotency key into the
// owner's namespace so keys never collide across tenants.
func ScopedIdempotencyKey(ownerKey, rawKey string) string {
	h := sha256.Sum256([]byte(ownerKey + ":" + rawKey))
	return hex.EncodeToString(h[:])
}

// HashSecret returns the hex SHA-256 of an API key secret.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Scope field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Scope     *Scope
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ScopeFromContext extracts the authenticated scope from ctx, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	if m := metaFromContext(ctx); m != nil {
		return m.Scope
	}
	return nil
}

// ContextWithScope stores the scope in the existing requestMeta if present,
// avoiding a new context.WithValue allocation.
func ContextWithScope(ctx context.Context, s *Scope) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Scope = s
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Scope: s})
}

// RequestIDFromContext extracts the request ID from ctx.
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
