// Package openaicompat implements the chat-completions wire shape shared by
// every vendor that exposes an OpenAI-compatible API. Vendor packages
// configure an Adapter with their identity, model allow-list, edge function
// names, and a request decorator for vendor-specific fields.
package openaicompat

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

// Options configure one vendor's adapter.
type Options struct {
	Identity providers.Identity

	// Function is the edge function serving blocking chat calls
	Function string

	// StreamFunction is the edge function serving SSE calls; empty means
	// the vendor has no end-to-end streaming path and StreamMessage fails
	// with a streaming-disabled error
	StreamFunction string

	// Models is the allow-list; Models[0] is the default
	Models []string

	// Rules are vendor-specific error text rules, checked before the
	// shared ones
	Rules []providers.MessageRule

	// Decorate adds vendor-specific request fields from the current config
	Decorate func(cfg providers.GenerationConfig, req map[string]any)
}

// Adapter is a Provider over the OpenAI-compatible chat completions shape.
type Adapter struct {
	opts    Options
	client  *proxy.Client
	history history.Store
	logger  *zap.Logger

	mu  sync.RWMutex
	cfg providers.GenerationConfig
}

// New creates an adapter with the vendor's default model preselected.
func New(opts Options, client *proxy.Client, hist history.Store, logger *zap.Logger) *Adapter {
	a := &Adapter{
		opts:    opts,
		client:  client,
		history: hist,
		logger:  logger,
	}
	if len(opts.Models) > 0 {
		a.cfg.Model = opts.Models[0]
	}
	return a
}

func (a *Adapter) Identity() providers.Identity {
	return a.opts.Identity
}

func (a *Adapter) Models() []string {
	out := make([]string, len(a.opts.Models))
	copy(out, a.opts.Models)
	return out
}

func (a *Adapter) SupportsModel(model string) bool {
	for _, m := range a.opts.Models {
		if m == model {
			return true
		}
	}
	return false
}

// SetConfig replaces the generation config. A model outside the allow-list
// is dropped and the previous model retained; every other field applies.
func (a *Adapter) SetConfig(cfg providers.GenerationConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous := a.cfg.Model
	a.cfg = cfg.Clone()
	if cfg.Model != "" && !a.SupportsModel(cfg.Model) {
		a.logger.Warn("unsupported model dropped",
			zap.String("provider", string(a.opts.Identity)),
			zap.String("model", cfg.Model))
		a.cfg.Model = previous
	} else if cfg.Model == "" {
		a.cfg.Model = previous
	}
}

func (a *Adapter) Config() providers.GenerationConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

// wireMessage is the chat-completions message shape.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
	} `json:"usage"`
}

// buildRequest assembles the request body from the conversation and current
// config. The system prompt, when configured, is prepended as a system-role
// message.
func (a *Adapter) buildRequest(messages []providers.Message, stream bool) (map[string]any, providers.GenerationConfig) {
	cfg := a.Config()

	wire := make([]wireMessage, 0, len(messages)+1)
	if cfg.SystemPrompt != "" {
		wire = append(wire, wireMessage{Role: string(providers.RoleSystem), Content: cfg.SystemPrompt})
	}
	for _, msg := range messages {
		wire = append(wire, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}

	req := map[string]any{
		"model":    cfg.Model,
		"messages": wire,
	}
	if cfg.MaxTokens > 0 {
		req["max_tokens"] = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		req["temperature"] = cfg.Temperature
	}
	if stream {
		req["stream"] = true
	}
	if a.opts.Decorate != nil {
		a.opts.Decorate(cfg, req)
	}
	return req, cfg
}

// SendMessage performs one blocking round trip through the vendor proxy.
func (a *Adapter) SendMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.RawResponse, error) {
	req, cfg := a.buildRequest(messages, false)

	var decoded chatResponse
	call := proxy.Call{
		Provider: a.opts.Identity,
		Function: a.opts.Function,
		UserID:   userID,
		Rules:    a.opts.Rules,
	}
	if err := a.client.Post(ctx, call, req, &decoded); err != nil {
		return nil, err
	}

	if len(decoded.Choices) == 0 {
		return nil, providers.NewError(a.opts.Identity, providers.CodeInvalidResponse,
			"response has no choices", 0, false, nil)
	}

	content := decoded.Choices[0].Message.Content
	a.persist(ctx, sessionID, userID, content)

	model := decoded.Model
	if model == "" {
		model = cfg.Model
	}

	raw := &providers.RawResponse{
		Content: content,
		Model:   model,
	}
	if decoded.Usage != nil {
		raw.Usage = &providers.RawUsage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return raw, nil
}

// streamEvent is one SSE data payload of a streaming chat completion.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
	} `json:"usage"`
}

// StreamMessage opens a streaming round trip. Vendors without a stream
// function fail immediately so the caller can fall back to SendMessage.
func (a *Adapter) StreamMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.Stream, error) {
	if a.opts.StreamFunction == "" {
		return nil, providers.NewError(a.opts.Identity, providers.CodeStreamingDisabled,
			"streaming is not available for this provider", 0, false, nil)
	}

	req, _ := a.buildRequest(messages, true)
	call := proxy.Call{
		Provider: a.opts.Identity,
		Function: a.opts.StreamFunction,
		UserID:   userID,
		Rules:    a.opts.Rules,
	}
	reader, err := a.client.OpenStream(ctx, call, req)
	if err != nil {
		return nil, err
	}

	stream := providers.NewStream()
	go a.pump(ctx, reader, stream, sessionID, userID)
	return stream, nil
}

// pump reads SSE events and forwards them as chunks until the [DONE]
// sentinel or a read failure.
func (a *Adapter) pump(ctx context.Context, reader *proxy.SSEReader, stream *providers.Stream, sessionID, userID string) {
	defer reader.Close()

	var full []byte
	var usage *providers.TokenUsage

	for {
		data, err := reader.Next()
		if err != nil {
			stream.Close(providers.NewError(a.opts.Identity, providers.CodeStreamingError,
				"stream ended unexpectedly", 0, false, err))
			return
		}
		if data == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			a.logger.Debug("skipping unparseable stream event",
				zap.String("provider", string(a.opts.Identity)))
			continue
		}
		if event.Usage != nil {
			prompt := intOrZero(event.Usage.PromptTokens)
			completion := intOrZero(event.Usage.CompletionTokens)
			// A vendor total is trusted verbatim; absent one, the sum
			// of the reported parts stands in.
			total := prompt + completion
			if event.Usage.TotalTokens != nil {
				total = *event.Usage.TotalTokens
			}
			usage = &providers.TokenUsage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      total,
			}
		}
		if len(event.Choices) == 0 {
			continue
		}

		delta := event.Choices[0].Delta.Content
		if delta != "" {
			full = append(full, delta...)
			if err := stream.Send(ctx, providers.StreamChunk{
				Content:  delta,
				Provider: a.opts.Identity,
			}); err != nil {
				return
			}
		}
	}

	a.persist(ctx, sessionID, userID, string(full))
	if err := stream.Send(ctx, providers.StreamChunk{
		Done:     true,
		Usage:    usage,
		Provider: a.opts.Identity,
	}); err != nil {
		return
	}
	stream.Close(nil)
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// persist writes the assistant reply to the message log. Failures are
// logged, never raised.
func (a *Adapter) persist(ctx context.Context, sessionID, userID, content string) {
	if a.history == nil || sessionID == "" || content == "" {
		return
	}
	err := a.history.Append(ctx, history.Entry{
		SessionID: sessionID,
		UserID:    userID,
		Role:      string(providers.RoleAssistant),
		Content:   content,
	})
	if err != nil {
		a.logger.Warn("failed to persist assistant reply",
			zap.String("provider", string(a.opts.Identity)),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
