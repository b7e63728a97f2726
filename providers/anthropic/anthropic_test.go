package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/services/session"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := proxy.NewClient(srv.URL, session.NewStaticTokenSource("tok"), nil, zap.NewNop())
	return New(client, nil, zap.NewNop())
}

func TestAdapter_SystemPromptOnTopLevel(t *testing.T) {
	var captured map[string]any
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		fmt.Fprint(w, `{"model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"ok"}]}`)
	})
	adapter.SetConfig(providers.GenerationConfig{
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "be brief",
	})

	_, err := adapter.SendMessage(context.Background(), []providers.Message{
		{Role: providers.RoleSystem, Content: "and be kind"},
		{Role: providers.RoleUser, Content: "hello"},
	}, "", "")
	require.NoError(t, err)

	// System turns are folded into the top-level field, not the message list.
	assert.Equal(t, "be brief\n\nand be kind", captured["system"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])

	// The Messages API requires max_tokens; a default is supplied.
	assert.Equal(t, float64(defaultMaxTokens), captured["max_tokens"])
}

func TestAdapter_SendMessageJoinsTextBlocks(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "Hello "},
				{"type": "tool_use", "text": ""},
				{"type": "text", "text": "there"}
			],
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	})

	raw, err := adapter.SendMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hi"}}, "", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", raw.Content)

	unified, err := providers.Normalize(providers.Anthropic, raw, "", "u1")
	require.NoError(t, err)
	require.NotNil(t, unified.Usage)
	assert.Equal(t, 12, unified.Usage.PromptTokens)
	assert.Equal(t, 4, unified.Usage.CompletionTokens)
	assert.Equal(t, 16, unified.Usage.TotalTokens)
}

func TestAdapter_SetConfigDropsUnknownModel(t *testing.T) {
	adapter := New(nil, nil, zap.NewNop())
	adapter.SetConfig(providers.GenerationConfig{Model: "claude-imaginary"})
	assert.Equal(t, "claude-sonnet-4-20250514", adapter.Config().Model)
}

func TestAdapter_StreamMessage(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	})

	stream, err := adapter.StreamMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "", "")
	require.NoError(t, err)

	var text string
	var final providers.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Done {
			final = chunk
			continue
		}
		text += chunk.Content
		assert.Equal(t, providers.Anthropic, chunk.Provider)
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.PromptTokens)
	assert.Equal(t, 2, final.Usage.CompletionTokens)
	assert.Equal(t, 9, final.Usage.TotalTokens)
}
