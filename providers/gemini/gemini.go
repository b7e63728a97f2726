// Package gemini adapts the Google Gemini generateContent API as proxied by
// the gemini-chat edge function. The wire shape uses contents/parts with a
// "model" role for assistant turns and reports usage via usageMetadata. The
// edge deployment has no streaming function for this vendor, so direct
// streaming is disabled.
package gemini

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-1.5-pro",
}

var messageRules = []providers.MessageRule{
	{Substring: "RESOURCE_EXHAUSTED", Code: providers.CodeRateLimited, Retryable: true},
	{Substring: "blocked", Code: providers.CodeSafetyFilter, Retryable: false},
}

// Adapter is the Gemini provider.
type Adapter struct {
	client  *proxy.Client
	history history.Store
	logger  *zap.Logger

	mu  sync.RWMutex
	cfg providers.GenerationConfig
}

// New creates the Gemini adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *Adapter {
	return &Adapter{
		client:  client,
		history: hist,
		logger:  logger,
		cfg:     providers.GenerationConfig{Model: models[0]},
	}
}

func (a *Adapter) Identity() providers.Identity {
	return providers.Gemini
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
				zap.String("provider", string(providers.Gemini)),
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

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type generateResponse struct {
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content struct {
			Parts []wirePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
		TotalTokenCount      *int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Adapter) buildRequest(messages []providers.Message) (map[string]any, providers.GenerationConfig) {
	cfg := a.Config()

	contents := make([]wireContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == providers.RoleAssistant {
			role = "model"
		}
		contents = append(contents, wireContent{
			Role:  role,
			Parts: []wirePart{{Text: msg.Content}},
		})
	}

	req := map[string]any{
		"model":    cfg.Model,
		"contents": contents,
	}
	if cfg.SystemPrompt != "" {
		req["systemInstruction"] = map[string]any{
			"parts": []wirePart{{Text: cfg.SystemPrompt}},
		}
	}

	generation := map[string]any{}
	if cfg.MaxTokens > 0 {
		generation["maxOutputTokens"] = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		generation["temperature"] = cfg.Temperature
	}
	if len(generation) > 0 {
		req["generationConfig"] = generation
	}
	return req, cfg
}

func (a *Adapter) SendMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.RawResponse, error) {
	req, cfg := a.buildRequest(messages)

	var decoded generateResponse
	call := proxy.Call{
		Provider: providers.Gemini,
		Function: "gemini-chat",
		UserID:   userID,
		Rules:    messageRules,
	}
	if err := a.client.Post(ctx, call, req, &decoded); err != nil {
		return nil, err
	}

	if len(decoded.Candidates) == 0 {
		return nil, providers.NewError(providers.Gemini, providers.CodeInvalidResponse,
			"response has no candidates", 0, false, nil)
	}

	content := ""
	for _, part := range decoded.Candidates[0].Content.Parts {
		content += part.Text
	}
	a.persist(ctx, sessionID, userID, content)

	model := decoded.ModelVersion
	if model == "" {
		model = cfg.Model
	}

	raw := &providers.RawResponse{
		Content: content,
		Model:   model,
	}
	if decoded.UsageMetadata != nil {
		raw.Usage = &providers.RawUsage{
			PromptTokens:     decoded.UsageMetadata.PromptTokenCount,
			CompletionTokens: decoded.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      decoded.UsageMetadata.TotalTokenCount,
		}
	}
	return raw, nil
}

func (a *Adapter) StreamMessage(ctx context.Context, messages []providers.Message, sessionID, userID string) (*providers.Stream, error) {
	return nil, providers.NewError(providers.Gemini, providers.CodeStreamingDisabled,
		"streaming is not available for this provider", 0, false, nil)
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
			zap.String("provider", string(providers.Gemini)),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
