package providers

import (
	"context"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single message in a conversation. Ordering within a
// conversation is chronological and significant. The gate pipeline may
// rewrite Content in place when a screening step sanitizes it.
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role Role `json:"role" validate:"required,oneof=system user assistant"`

	// Content is the message text
	Content string `json:"content"`

	// Metadata is an opaque key/value bag carried through unchanged
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Identity names one of the supported vendors. The set is closed; it is
// used as the adapter lookup key and as the discriminant for usage-field
// normalization.
type Identity string

const (
	OpenAI     Identity = "openai"
	Anthropic  Identity = "anthropic"
	Gemini     Identity = "gemini"
	DeepSeek   Identity = "deepseek"
	Grok       Identity = "grok"
	Qwen       Identity = "qwen"
	Perplexity Identity = "perplexity"
)

// Identities returns all supported provider identities.
func Identities() []Identity {
	return []Identity{OpenAI, Anthropic, Gemini, DeepSeek, Grok, Qwen, Perplexity}
}

// ParseIdentity validates a provider name against the closed set.
func ParseIdentity(name string) (Identity, error) {
	for _, id := range Identities() {
		if string(id) == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// ToolDefinition describes a tool exposed to providers that support tool use.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GenerationConfig holds per-provider generation tunables. A model value
// outside the target adapter's allow-list is silently dropped at SetConfig
// and the adapter's previous model is retained.
type GenerationConfig struct {
	// Model identifier, drawn from the provider's allow-list
	Model string `json:"model"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty" validate:"gte=0"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty" validate:"gte=0,lte=2"`

	// SystemPrompt is an optional system message sent out of band
	SystemPrompt string `json:"system,omitempty"`

	// Tools are optional tool definitions for providers that support them
	Tools []ToolDefinition `json:"tools,omitempty"`

	// SearchRecency restricts web search results (perplexity)
	SearchRecency string `json:"search_recency,omitempty"`

	// RealTimeData enables live data access (grok)
	RealTimeData bool `json:"real_time_data,omitempty"`

	// Thinking enables extended reasoning mode (deepseek, qwen)
	Thinking bool `json:"thinking,omitempty"`
}

// Clone returns a deep copy of the config.
func (c GenerationConfig) Clone() GenerationConfig {
	out := c
	if c.Tools != nil {
		out.Tools = make([]ToolDefinition, len(c.Tools))
		copy(out.Tools, c.Tools)
		for i, tool := range c.Tools {
			if tool.Parameters != nil {
				params := make(map[string]any, len(tool.Parameters))
				for k, v := range tool.Parameters {
					params[k] = v
				}
				out.Tools[i].Parameters = params
			}
		}
	}
	return out
}

// TokenUsage is the canonical vendor-reported token accounting.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnifiedResponse is the normalized result of a single round trip.
// Content is always a string, never absent, even when the vendor payload
// was empty. Usage is nil when the vendor reported none.
type UnifiedResponse struct {
	Content   string            `json:"content"`
	Usage     *TokenUsage       `json:"usage,omitempty"`
	Model     string            `json:"model"`
	Provider  Identity          `json:"provider"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RawUsage carries whichever token fields the vendor reported. Adapters
// fill only the fields present in the wire payload; the normalizer selects
// the correct pair by provider identity.
type RawUsage struct {
	PromptTokens     *int
	CompletionTokens *int
	InputTokens      *int
	OutputTokens     *int
	TotalTokens      *int
}

// RawResponse is the validated decode of one vendor round trip, before
// usage normalization.
type RawResponse struct {
	Content  string
	Model    string
	Usage    *RawUsage
	Metadata map[string]string
}

// StreamChunk is one incremental unit of a streaming response. Zero or more
// chunks with Done=false carry text deltas; exactly one terminal chunk has
// Done=true and carries final usage when the vendor reports it.
type StreamChunk struct {
	Content  string      `json:"content"`
	Done     bool        `json:"done"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Provider Identity    `json:"provider"`
}

// Provider is the unified adapter contract, one implementation per vendor.
type Provider interface {
	// Identity returns the vendor this adapter serves.
	Identity() Identity

	// Models returns the provider's model allow-list.
	Models() []string

	// SupportsModel reports whether a model is in the allow-list.
	SupportsModel(model string) bool

	// SetConfig replaces the adapter's generation config. A model outside
	// the allow-list is dropped and the previous model retained.
	SetConfig(cfg GenerationConfig)

	// Config returns a copy of the adapter's current generation config.
	Config() GenerationConfig

	// SendMessage performs one round trip through the vendor proxy.
	// sessionID and userID are correlation identifiers for audit
	// persistence only.
	SendMessage(ctx context.Context, messages []Message, sessionID, userID string) (*RawResponse, error)

	// StreamMessage opens a streaming round trip. Adapters without an
	// end-to-end streaming path fail immediately with
	// CodeStreamingDisabled.
	StreamMessage(ctx context.Context, messages []Message, sessionID, userID string) (*Stream, error)
}
