// ABOUTME: Tests for the Anthropic client against an httptest server.
// ABOUTME: Covers request headers, tool_use decoding and error payloads.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicClient_Complete(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-sonnet-4-6",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "weather__forecast", "input": {"city": "Oslo"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client := NewAnthropicClient("test-key", srv.URL+"/", 0)
	resp, err := client.Complete(context.Background(), Request{
		Model:     "claude-sonnet-4-6",
		MaxTokens: 100,
		System:    "be brief",
		Messages:  []Message{{Role: RoleUser, Content: []ContentBlock{TextBlock("weather?")}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "be brief", got.System)
	assert.Empty(t, got.Tools)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "weather?", got.Messages[0].Content[0].Text)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
	assert.Equal(t, "Let me check.", resp.Text())

	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "toolu_1", uses[0].ID)
	assert.Equal(t, "weather__forecast", uses[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(uses[0].Input))
}

func TestAnthropicClient_OmitsEmptyTools(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = w.Write([]byte(`{"content":[],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", srv.URL, 0).Complete(context.Background(), Request{Model: "m", MaxTokens: 1})
	require.NoError(t, err)
	_, hasTools := raw["tools"]
	assert.False(t, hasTools)
}

func TestAnthropicClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", srv.URL, 0).Complete(context.Background(), Request{Model: "m", MaxTokens: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
	assert.Equal(t, "slow down", apiErr.Message)
}

func TestAnthropicClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", srv.URL, 0).Complete(context.Background(), Request{Model: "m", MaxTokens: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestResponse_TextJoinsBlocks(t *testing.T) {
	resp := Response{Content: []ContentBlock{
		TextBlock("one"),
		{Type: BlockToolUse, ID: "x"},
		TextBlock("two"),
	}}
	assert.Equal(t, "one\ntwo", resp.Text())
}
