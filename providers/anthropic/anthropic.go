// Package anthropic adapts the Anthropic Messages API as proxied by the
// anthropic-chat and anthropic-stream edge functions. Unlike the
// OpenAI-compatible vendors, the wire shape carries the system prompt as a
// top-level field, returns content as typed blocks, and reports usage as
// input_tokens and output_tokens.
package anthropic

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022",
}

var messageRules = []providers.MessageRule{
	{Substring: "overloaded_error", Code: providers.CodeGatewayTimeout, Retryable: true},
	{Substring: "credit balance is too low", Code: providers.CodePaymentRequired, Retryable: false},
}

const defaultMaxTokens = 4096

// Adapter is the Anthropic provider.
type Adapter struct {
	client  *proxy.Client
	history history.Store
	logger  *zap.Logger

	mu  sync.RWMutex
	cfg providers.GenerationConfig
}

// New creates the Anthropic adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *Adapter {
	return &Adapter{
		client:  client,
		history: hist,
		logger:  logger,
		cfg:     providers.GenerationConfig{Model: models[0]},
	}
}

func (a *Adapter) Identity() providers.Identity {
	return providers.Anthropic
}

func (a *Adapter) Models() []string {
	out := make([]string, len(models))
	copy(out, models)
	return out
}

func (a *Adapter) SupportsModel(model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

func (a *Adapter) SetConfig(cfg providers.GenerationConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous := a.cfg.Model
	a.cfg = cfg.Clone()
	if cfg.Model == "" || !a.SupportsModel(cfg.Model) {
		if cfg.Model != "" {
			a.logger.Warn("unsupported model dropped",
				zap.String("provider", string(providers.Anthropic)),
				zap.String("model", cfg.Model))
		}
		a.cfg.Model = previous
	}
}

func (a *Adapter) Config() providers.GenerationConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

// buildRequest assembles the Messages API body. System-role messages are
// folded into the top-level system field, which this API requires.
func (a *Adapter) buildRequest(messages []providers.Message, stream bool) map[string]any {
	cfg := a.Config()

	system := cfg.SystemPrompt
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == providers.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		wire = append(wire, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := map[string]any{
		"model":      cfg.Model,
		"messages":   wire,
		"max_tokens": maxTokens,
	}
	if system != "" {
		req["system"] = system
	}
	if cfg.Temperature > 0 {
		req["temperature"] = cfg.Temperature
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		req["tools"] = tools
	}
	if stream {
		req["stream"] = true
	}
	return req
}

func (a *Adapter) SendMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.RawResponse, error) {
	req := a.buildRequest(messages, false)

	var decoded messagesResponse
	call := proxy.Call{
		Provider: providers.Anthropic,
		Function: "anthropic-chat",
		UserID:   userID,
		Rules:    messageRules,
	}
	if err := a.client.Post(ctx, call, req, &decoded); err != nil {
		return nil, err
	}

	content := ""
	for _, block := range decoded.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	a.persist(ctx, sessionID, userID, content)

	raw := &providers.RawResponse{
		Content: content,
		Model:   decoded.Model,
	}
	if decoded.Usage != nil {
		raw.Usage = &providers.RawUsage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		}
	}
	return raw, nil
}

// streamEvent covers the Messages API event types we care about:
// content_block_delta carries text, message_delta carries output usage,
// message_start carries input usage, message_stop ends the stream.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) StreamMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.Stream, error) {
	req := a.buildRequest(messages, true)
	call := proxy.Call{
		Provider: providers.Anthropic,
		Function: "anthropic-stream",
		UserID:   userID,
		Rules:    messageRules,
	}
	reader, err := a.client.OpenStream(ctx, call, req)
	if err != nil {
		return nil, err
	}

	stream := providers.NewStream()
	go a.pump(ctx, reader, stream, sessionID, userID)
	return stream, nil
}

func (a *Adapter) pump(ctx context.Context, reader *proxy.SSEReader, stream *providers.Stream, sessionID, userID string) {
	defer reader.Close()

	var full []byte
	inputTokens := 0
	outputTokens := 0
	stopped := false

	for !stopped {
		data, err := reader.Next()
		if err != nil {
			stream.Close(providers.NewError(providers.Anthropic, providers.CodeStreamingError,
				"stream ended unexpectedly", 0, false, err))
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			a.logger.Debug("skipping unparseable stream event",
				zap.String("provider", string(providers.Anthropic)))
			continue
		}

		switch event.Type {
		case "message_start":
			inputTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			full = append(full, event.Delta.Text...)
			if err := stream.Send(ctx, providers.StreamChunk{
				Content:  event.Delta.Text,
				Provider: providers.Anthropic,
			}); err != nil {
				return
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				outputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
		}
	}

	a.persist(ctx, sessionID, userID, string(full))

	var usage *providers.TokenUsage
	if inputTokens > 0 || outputTokens > 0 {
		usage = &providers.TokenUsage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		}
	}
	if err := stream.Send(ctx, providers.StreamChunk{
		Done:     true,
		Usage:    usage,
		Provider: providers.Anthropic,
	}); err != nil {
		return
	}
	stream.Close(nil)
}

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
			zap.String("provider", string(providers.Anthropic)),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
