// Package openai adapts the OpenAI chat completions API as proxied by the
// openai-chat and openai-stream edge functions.
package openai

import (
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/openaicompat"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4.1",
	"gpt-4.1-mini",
	"o3-mini",
}

var messageRules = []providers.MessageRule{
	{Substring: "context_length_exceeded", Code: providers.CodeRequestFailed, Retryable: false},
	{Substring: "model_not_found", Code: providers.CodeRequestFailed, Retryable: false},
}

// New creates the OpenAI adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *openaicompat.Adapter {
	return openaicompat.New(openaicompat.Options{
		Identity:       providers.OpenAI,
		Function:       "openai-chat",
		StreamFunction: "openai-stream",
		Models:         models,
		Rules:          messageRules,
		Decorate: func(cfg providers.GenerationConfig, req map[string]any) {
			if len(cfg.Tools) > 0 {
				tools := make([]map[string]any, 0, len(cfg.Tools))
				for _, tool := range cfg.Tools {
					tools = append(tools, map[string]any{
						"type": "function",
						"function": map[string]any{
							"name":        tool.Name,
							"description": tool.Description,
							"parameters":  tool.Parameters,
						},
					})
				}
				req["tools"] = tools
			}
		},
	}, client, hist, logger)
}
