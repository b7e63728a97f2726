// Package perplexity adapts the Perplexity Sonar API as proxied by the
// perplexity-chat edge function. The edge deployment has no streaming
// function for this vendor, so direct streaming is disabled.
package perplexity

import (
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/openaicompat"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/history"
)

var models = []string{
	"sonar",
	"sonar-pro",
	"sonar-reasoning",
}

// New creates the Perplexity adapter.
func New(client *proxy.Client, hist history.Store, logger *zap.Logger) *openaicompat.Adapter {
	return openaicompat.New(openaicompat.Options{
		Identity: providers.Perplexity,
		Function: "perplexity-chat",
		Models:   models,
		Decorate: func(cfg providers.GenerationConfig, req map[string]any) {
			if cfg.SearchRecency != "" {
				req["search_recency_filter"] = cfg.SearchRecency
			}
		},
	}, client, hist, logger)
}
