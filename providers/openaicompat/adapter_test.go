package openaicompat

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
	"github.com/upb/chat-gateway/services/history"
	"github.com/upb/chat-gateway/services/session"
)

func testOptions() Options {
	return Options{
		Identity:       providers.OpenAI,
		Function:       "openai-chat",
		StreamFunction: "openai-stream",
		Models:         []string{"gpt-4o", "gpt-4o-mini"},
	}
}

func newTestAdapter(t *testing.T, opts Options, handler http.HandlerFunc) (*Adapter, *history.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := proxy.NewClient(srv.URL, session.NewStaticTokenSource("tok"), nil, zap.NewNop())
	store := history.NewMemoryStore()
	return New(opts, client, store, zap.NewNop()), store
}

func TestAdapter_DefaultsToFirstModel(t *testing.T) {
	adapter := New(testOptions(), nil, nil, zap.NewNop())
	assert.Equal(t, "gpt-4o", adapter.Config().Model)
	assert.True(t, adapter.SupportsModel("gpt-4o-mini"))
	assert.False(t, adapter.SupportsModel("claude-3"))
}

func TestAdapter_SetConfigDropsUnknownModel(t *testing.T) {
	adapter := New(testOptions(), nil, nil, zap.NewNop())

	adapter.SetConfig(providers.GenerationConfig{Model: "gpt-5-imaginary", Temperature: 0.7})
	cfg := adapter.Config()
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 0.7, cfg.Temperature)

	adapter.SetConfig(providers.GenerationConfig{Model: "gpt-4o-mini"})
	assert.Equal(t, "gpt-4o-mini", adapter.Config().Model)

	// An empty model also keeps the previous one.
	adapter.SetConfig(providers.GenerationConfig{MaxTokens: 100})
	cfg = adapter.Config()
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 100, cfg.MaxTokens)
}

func TestAdapter_ConfigReturnsCopy(t *testing.T) {
	adapter := New(testOptions(), nil, nil, zap.NewNop())
	adapter.SetConfig(providers.GenerationConfig{
		Model: "gpt-4o",
		Tools: []providers.ToolDefinition{{Name: "lookup"}},
	})

	cfg := adapter.Config()
	cfg.Tools[0].Name = "mutated"
	assert.Equal(t, "lookup", adapter.Config().Tools[0].Name)
}

func TestAdapter_SendMessage(t *testing.T) {
	var captured map[string]any
	adapter, store := newTestAdapter(t, testOptions(), func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		fmt.Fprint(w, `{
			"model": "gpt-4o-2024-08-06",
			"choices": [{"message": {"content": "Hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 10, "total_tokens": 15}
		}`)
	})
	adapter.SetConfig(providers.GenerationConfig{
		Model:        "gpt-4o",
		SystemPrompt: "be brief",
		MaxTokens:    256,
	})

	raw, err := adapter.SendMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "sess-1", "u1")
	require.NoError(t, err)

	assert.Equal(t, "Hi", raw.Content)
	assert.Equal(t, "gpt-4o-2024-08-06", raw.Model)
	require.NotNil(t, raw.Usage)
	assert.Equal(t, 5, *raw.Usage.PromptTokens)
	assert.Equal(t, 10, *raw.Usage.CompletionTokens)
	assert.Equal(t, 15, *raw.Usage.TotalTokens)

	// System prompt is prepended as the first wire message.
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be brief", first["content"])
	assert.Equal(t, float64(256), captured["max_tokens"])

	// The assistant reply was persisted best-effort.
	entries := store.BySession("sess-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "Hi", entries[0].Content)
	assert.Equal(t, "u1", entries[0].UserID)
}

func TestAdapter_SendMessageNoChoices(t *testing.T) {
	adapter, _ := newTestAdapter(t, testOptions(), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "gpt-4o", "choices": []}`)
	})

	_, err := adapter.SendMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "", "")
	require.Error(t, err)
	assert.Equal(t, providers.CodeInvalidResponse, providers.CodeOf(err))
}

func TestAdapter_StreamMessage(t *testing.T) {
	adapter, store := newTestAdapter(t, testOptions(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := adapter.StreamMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "sess-1", "u1")
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
		assert.Equal(t, providers.OpenAI, chunk.Provider)
	}

	assert.Equal(t, "Hello", text)
	assert.True(t, final.Done)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.TotalTokens)

	entries := store.BySession("sess-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello", entries[0].Content)
}

func TestAdapter_StreamUsageWithoutTotal(t *testing.T) {
	adapter, _ := newTestAdapter(t, testOptions(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := adapter.StreamMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "", "")
	require.NoError(t, err)

	var final providers.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Done {
			final = chunk
		}
	}

	// No vendor total, so the terminal usage falls back to the sum.
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.PromptTokens)
	assert.Equal(t, 10, final.Usage.CompletionTokens)
	assert.Equal(t, 15, final.Usage.TotalTokens)
}

func TestAdapter_StreamEndsWithoutDone(t *testing.T) {
	adapter, _ := newTestAdapter(t, testOptions(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	})

	stream, err := adapter.StreamMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "", "")
	require.NoError(t, err)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk.Content)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, providers.CodeStreamingError, providers.CodeOf(err))
}

func TestAdapter_StreamingDisabled(t *testing.T) {
	opts := testOptions()
	opts.StreamFunction = ""
	adapter := New(opts, nil, nil, zap.NewNop())

	_, err := adapter.StreamMessage(context.Background(),
		[]providers.Message{{Role: providers.RoleUser, Content: "hello"}}, "", "")
	require.Error(t, err)

	perr, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.CodeStreamingDisabled, perr.Code)
	assert.False(t, perr.Retryable)
}
