package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	identity Identity
}

func (p *stubProvider) Identity() Identity             { return p.identity }
func (p *stubProvider) Models() []string               { return []string{"stub-model"} }
func (p *stubProvider) SupportsModel(m string) bool    { return m == "stub-model" }
func (p *stubProvider) SetConfig(cfg GenerationConfig) {}
func (p *stubProvider) Config() GenerationConfig       { return GenerationConfig{} }

func (p *stubProvider) SendMessage(ctx context.Context, messages []Message, sessionID, userID string) (*RawResponse, error) {
	return &RawResponse{Content: "ok", Model: "stub-model"}, nil
}

func (p *stubProvider) StreamMessage(ctx context.Context, messages []Message, sessionID, userID string) (*Stream, error) {
	return nil, NewError(p.identity, CodeStreamingDisabled, "direct streaming disabled", 0, false, nil)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.Register(&stubProvider{identity: OpenAI})
	registry.Register(&stubProvider{identity: Anthropic})

	adapter, err := registry.Get(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, OpenAI, adapter.Identity())

	assert.Equal(t, 2, registry.Count())
	assert.ElementsMatch(t, []Identity{OpenAI, Anthropic}, registry.List())
}

func TestRegistry_GetUnknownProvider(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	_, err := registry.Get(Gemini)
	assert.ErrorIs(t, err, ErrProviderNotRegistered)
}

func TestRegistry_RegisterReplacesInstance(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	first := &stubProvider{identity: OpenAI}
	second := &stubProvider{identity: OpenAI}

	registry.Register(first)
	registry.Register(second)

	adapter, err := registry.Get(OpenAI)
	require.NoError(t, err)
	assert.Same(t, second, adapter)
	assert.Equal(t, 1, registry.Count())
}
