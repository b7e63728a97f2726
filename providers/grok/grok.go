// Package grok adapts the xAI Grok chat API as proxied by the grok-chat
// edge function. The edge deployment has no streaming function for this
// vendor, so direct streaming is disabled.
package grok

import (
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/openaicompat"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"grok-3",
	"grok-3-mini",
	"grok-2",
}

// New creates the Grok adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *openaicompat.Adapter {
	return openaicompat.New(openaicompat.Options{
		Identity: providers.Grok,
		Function: "grok-chat",
		Models:   models,
		Decorate: func(cfg providers.GenerationConfig, req map[string]any) {
			if cfg.RealTimeData {
				req["search_parameters"] = map[string]any{"mode": "auto"}
			}
		},
	}, client, hist, logger)
}
