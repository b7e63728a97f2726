// Package deepseek adapts the DeepSeek chat API as proxied by the
// deepseek-chat and deepseek-stream edge functions. The API is
// OpenAI-compatible; reasoning mode is selected by model.
package deepseek

import (
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/openaicompat"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"deepseek-chat",
	"deepseek-reasoner",
}

var messageRules = []providers.MessageRule{
	{Substring: "insufficient balance", Code: providers.CodeQuotaExceeded, Retryable: false},
}

// New creates the DeepSeek adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *openaicompat.Adapter {
	return openaicompat.New(openaicompat.Options{
		Identity:       providers.DeepSeek,
		Function:       "deepseek-chat",
		StreamFunction: "deepseek-stream",
		Models:         models,
		Rules:          messageRules,
		Decorate: func(cfg providers.GenerationConfig, req map[string]any) {
			// Extended reasoning is a model switch, not a flag, on this API.
			if cfg.Thinking {
				req["model"] = "deepseek-reasoner"
			}
		},
	}, client, hist, logger)
}
