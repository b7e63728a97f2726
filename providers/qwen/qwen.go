// Package qwen adapts the Alibaba Qwen chat API as proxied by the qwen-chat
// edge function. The edge deployment has no streaming function for this
// vendor, so direct streaming is disabled.
package qwen

import (
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/openaicompat"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"qwen-max",
	"qwen-plus",
	"qwen-turbo",
}

var messageRules = []providers.MessageRule{
	{Substring: "data_inspection_failed", Code: providers.CodeSafetyFilter, Retryable: false},
}

// New creates the Qwen adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *openaicompat.Adapter {
	return openaicompat.New(openaicompat.Options{
		Identity: providers.Qwen,
		Function: "qwen-chat",
		Models:   models,
		Rules:    messageRules,
		Decorate: func(cfg providers.GenerationConfig, req map[string]any) {
			if cfg.Thinking {
				req["enable_thinking"] = true
			}
		},
	}, client, hist, logger)
}
