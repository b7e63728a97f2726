// Package router is the single entry point for outbound chat traffic. A
// blocking request flows through adapter lookup, the security gate pipeline,
// in-flight tracking, config push, the retry-wrapped provider call, response
// normalization, and post-call token deduction. A streaming request takes a
// thinner path: adapter lookup, config push, and chunk relay.
package router

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/services/abuse"
	"github.com/upb/chat-gateway/services/gate"
	"github.com/upb/chat-gateway/services/quota"
)

// ChatRequest is the structured request form. The positional Send variant
// normalizes to this before dispatch.
type ChatRequest struct {
	Provider  providers.Identity
	Messages  []providers.Message
	SessionID string
	UserID    string

	// Config, when set, is pushed to the adapter before the call
	Config *providers.GenerationConfig

	// Caps gate the optional screening steps for this request
	Caps gate.Capabilities
}

// Router dispatches chat requests to provider adapters.
type Router struct {
	registry *providers.Registry
	gates    *gate.Pipeline
	abuse    abuse.Service
	quota    quota.Service
	retry    RetryPolicy
	logger   *zap.Logger
}

// New creates a router.
func New(registry *providers.Registry, gates *gate.Pipeline, abuseSvc abuse.Service, quotaSvc quota.Service, retry RetryPolicy, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		gates:    gates,
		abuse:    abuseSvc,
		quota:    quotaSvc,
		retry:    retry,
		logger:   logger,
	}
}

// Send is the positional convenience form of SendMessage.
func (r *Router) Send(ctx context.Context, provider providers.Identity, messages []providers.Message, sessionID, userID string) (*providers.UnifiedResponse, error) {
	return r.SendMessage(ctx, ChatRequest{
		Provider:  provider,
		Messages:  messages,
		SessionID: sessionID,
		UserID:    userID,
	})
}

// SendMessage performs one blocking round trip. The adapter is resolved
// before the gate pipeline runs so an unknown provider fails fast without
// consuming rate-limit or quota budget.
func (r *Router) SendMessage(ctx context.Context, req ChatRequest) (*providers.UnifiedResponse, error) {
	adapter, err := r.resolve(req.Provider)
	if err != nil {
		return nil, err
	}

	if err := r.gates.Run(ctx, &gate.Request{
		Messages: req.Messages,
		Provider: req.Provider,
		Model:    r.modelFor(adapter, req),
		UserID:   req.UserID,
		Caps:     req.Caps,
	}); err != nil {
		return nil, err
	}

	r.abuse.TrackRequestStart(ctx, req.UserID)
	defer r.abuse.TrackRequestEnd(ctx, req.UserID)

	if req.Config != nil {
		adapter.SetConfig(*req.Config)
	}

	var raw *providers.RawResponse
	err = r.retry.Do(ctx, r.logger, func() error {
		var callErr error
		raw, callErr = adapter.SendMessage(ctx, req.Messages, req.SessionID, req.UserID)
		return callErr
	})
	if err != nil {
		return nil, providers.WrapProviderError(req.Provider, err)
	}

	unified, err := providers.Normalize(req.Provider, raw, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	r.deduct(ctx, req, unified)
	return unified, nil
}

// StreamMessage opens a streaming round trip. It is a strictly thinner path
// than SendMessage: no gate pipeline and no quota bookkeeping, only adapter
// resolution, config push, and chunk relay. A rate-limited failure is
// retried only while no chunk has been delivered yet.
func (r *Router) StreamMessage(ctx context.Context, req ChatRequest) (*providers.Stream, error) {
	adapter, err := r.resolve(req.Provider)
	if err != nil {
		return nil, err
	}

	if req.Config != nil {
		adapter.SetConfig(*req.Config)
	}

	inner, err := r.openStream(ctx, adapter, req, 0)
	if err != nil {
		return nil, r.tagStreamError(req.Provider, err)
	}

	out := providers.NewStream()
	go r.relay(ctx, adapter, req, inner, out)
	return out, nil
}

// openStream opens the adapter stream, retrying rate-limited open failures
// within the policy budget starting at the given attempt number.
func (r *Router) openStream(ctx context.Context, adapter providers.Provider, req ChatRequest, attempt int) (*providers.Stream, error) {
	for {
		inner, err := adapter.StreamMessage(ctx, req.Messages, req.SessionID, req.UserID)
		if err == nil {
			return inner, nil
		}
		if !r.retry.shouldRetry(err, attempt) {
			return nil, err
		}
		r.logger.Info("retrying rate-limited stream open",
			zap.String("provider", string(req.Provider)),
			zap.Int("attempt", attempt+1))
		if werr := r.retry.wait(ctx, attempt); werr != nil {
			return nil, err
		}
		attempt++
	}
}

// relay forwards chunks from the adapter stream to the caller's stream,
// stamping each with the routed provider identity.
func (r *Router) relay(ctx context.Context, adapter providers.Provider, req ChatRequest, inner *providers.Stream, out *providers.Stream) {
	delivered := false
	attempt := 0
	for {
		chunk, err := inner.Recv()
		if err == io.EOF {
			out.Close(nil)
			return
		}
		if err != nil {
			// A rate limit before any delivered chunk is safe to retry
			// with a fresh stream; afterwards the partial output is gone.
			if !delivered && r.retry.shouldRetry(err, attempt) {
				if werr := r.retry.wait(ctx, attempt); werr != nil {
					out.Close(r.tagStreamError(req.Provider, err))
					return
				}
				attempt++
				fresh, openErr := r.openStream(ctx, adapter, req, attempt)
				if openErr != nil {
					out.Close(r.tagStreamError(req.Provider, openErr))
					return
				}
				inner = fresh
				continue
			}
			out.Close(r.tagStreamError(req.Provider, err))
			return
		}

		chunk.Provider = req.Provider
		if err := out.Send(ctx, chunk); err != nil {
			// The consumer is gone; shut the adapter stream down so its
			// pump goroutine and response body are released.
			inner.Close(err)
			return
		}
		if chunk.Content != "" {
			delivered = true
		}
	}
}

// UpdateConfig pushes a generation config to a provider's adapter. A model
// outside the adapter's allow-list is dropped by the adapter itself.
func (r *Router) UpdateConfig(provider providers.Identity, cfg providers.GenerationConfig) error {
	adapter, err := r.resolve(provider)
	if err != nil {
		return err
	}
	adapter.SetConfig(cfg)
	return nil
}

// Config returns a copy of a provider's current generation config.
func (r *Router) Config(provider providers.Identity) (providers.GenerationConfig, error) {
	adapter, err := r.resolve(provider)
	if err != nil {
		return providers.GenerationConfig{}, err
	}
	return adapter.Config(), nil
}

// Providers returns the registered identities.
func (r *Router) Providers() []providers.Identity {
	return r.registry.List()
}

func (r *Router) resolve(provider providers.Identity) (providers.Provider, error) {
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return nil, providers.NewError(provider, providers.CodeProviderNotFound,
			"provider not found: "+string(provider), 0, false, err)
	}
	return adapter, nil
}

// modelFor picks the model the abuse tracker records for this request.
func (r *Router) modelFor(adapter providers.Provider, req ChatRequest) string {
	if req.Config != nil && req.Config.Model != "" {
		return req.Config.Model
	}
	return adapter.Config().Model
}

// deduct charges vendor-reported usage after a successful round trip. A
// deduction failure is logged, never raised; the user already has the
// response.
func (r *Router) deduct(ctx context.Context, req ChatRequest, unified *providers.UnifiedResponse) {
	if req.UserID == "" || unified.Usage == nil {
		return
	}
	result, err := r.quota.DeductTokens(ctx, req.UserID, quota.UsageRecord{
		Provider:         string(req.Provider),
		Model:            unified.Model,
		PromptTokens:     unified.Usage.PromptTokens,
		CompletionTokens: unified.Usage.CompletionTokens,
		TotalTokens:      unified.Usage.TotalTokens,
	})
	if err != nil || !result.Success {
		r.logger.Error("token deduction failed",
			zap.String("user_id", req.UserID),
			zap.String("provider", string(req.Provider)),
			zap.Error(err))
	}
}

// tagStreamError ensures stream failures carry a tagged code. Recognized
// errors pass through; anything else becomes a streaming error.
func (r *Router) tagStreamError(provider providers.Identity, err error) error {
	if _, ok := providers.AsError(err); ok {
		return err
	}
	return providers.NewError(provider, providers.CodeStreamingError,
		"streaming failed", 0, false, err)
}
