package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func TestOpenAICompletionRewritesKeyAndModel(t *testing.T) {
	var got models.ChatRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(models.ChatResponse{
			ID:      "cmpl-1",
			Model:   got.Model,
			Choices: []models.ChatChoice{{Message: models.ChatMessage{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
			Usage:   models.ChatUsage{PromptTokens: 9, CompletionTokens: 1, TotalTokens: 10},
		})
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{BaseURL: srv.URL, APIKey: "server-key"}, ProviderConfig{}, time.Second)

	req := models.ChatRequest{
		Model:     "claude-opus-4",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hello"}},
		Stream:    true,
		AgentID:   "agent-7",
		SessionID: "sess-7",
	}
	resp, err := c.ChatCompletion(context.Background(), "openai", req, "gpt-4o-mini")
	require.NoError(t, err)

	assert.Equal(t, "Bearer server-key", auth, "caller credentials never pass through")
	assert.Equal(t, "gpt-4o-mini", got.Model, "routed model replaces the declared one")
	assert.False(t, got.Stream, "gateway needs the full body, streaming is stripped")
	assert.Empty(t, got.AgentID, "gateway extensions stay internal")
	assert.Empty(t, got.SessionID)
	assert.Equal(t, "hi", resp.FirstContent())
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestAnthropicCompletionTranslates(t *testing.T) {
	var got anthropicRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "anthro-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{
			"id": "msg-1",
			"model": "claude-3-5-haiku",
			"role": "assistant",
			"content": [{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{}, ProviderConfig{BaseURL: srv.URL, APIKey: "anthro-key"}, time.Second)

	req := models.ChatRequest{
		Model: "claude-3-5-haiku",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
	resp, err := c.ChatCompletion(context.Background(), "anthropic", req, "")
	require.NoError(t, err)

	assert.Equal(t, "be brief", got.System, "system turn moves out of the message list")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens, "messages API requires max_tokens")

	assert.Equal(t, "part one part two", resp.FirstContent())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestUpstreamErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{BaseURL: srv.URL, APIKey: "k"}, ProviderConfig{}, time.Second)

	_, err := c.ChatCompletion(context.Background(), "openai", models.ChatRequest{Model: "gpt-4o"}, "")
	require.Error(t, err)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.Equal(t, "openai", ue.Provider)
	assert.Contains(t, ue.Body, "overloaded")
}

func TestUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{BaseURL: srv.URL, APIKey: "k"}, ProviderConfig{}, 20*time.Millisecond)

	_, err := c.ChatCompletion(context.Background(), "openai", models.ChatRequest{Model: "gpt-4o"}, "")
	require.Error(t, err)

	var ue *Error
	assert.False(t, errors.As(err, &ue), "timeouts are transport errors, not provider replies")
}
