package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a := New()
	require.NoError(t, a.Initialize(ai.Config{APIKey: "test-key", BaseURL: baseURL, Timeout: 5 * time.Second}))
	return a
}

func userRequest(content string) models.Request {
	return models.Request{Messages: []models.Message{{Role: models.RoleUser, Content: content}}}
}

func TestSendSync(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"message": {"content": "hello back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	resp, err := a.SendSync(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, models.FinishStop, resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	require.NoError(t, resp.Usage.Validate())

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o", gotBody["model"])
}

func TestToolCallResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id": "chatcmpl-2", "model": "gpt-4o",
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	req := userRequest("weather?")
	req.Tools = []models.Tool{{Name: "get_weather", Parameters: map[string]models.ToolParam{
		"city": {Type: "string", Required: true},
	}}}

	resp, err := a.SendSync(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.FinishToolUse, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, resp.ToolCalls[0].Arguments)
}

func TestZeroMessagesFailsBeforeNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), models.Request{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.InvalidRequest))
	assert.False(t, called, "validation failure must not reach the network")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.RateLimited))
	assert.Equal(t, 30*time.Second, fault.RetryAfterOf(err))
}

func TestContextOverflowMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":"context_length_exceeded","message":"This model's maximum context length is 128000 tokens"}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.ContextOverflow))
}

func TestContentPolicyMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":"content_policy_violation","message":"rejected"}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.ContentBlocked))
}

func sseBody(frames ...string) string {
	out := ""
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out
}

func TestSendStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, true, body["stream"])
		opts := body["stream_options"].(map[string]interface{})
		require.Equal(t, true, opts["include_usage"])

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"id":"chatcmpl-3","model":"gpt-4o","choices":[{"delta":{"content":"Hel"},"finish_reason":""}]}`,
			`{"id":"chatcmpl-3","model":"gpt-4o","choices":[{"delta":{"content":"lo"},"finish_reason":""}]}`,
			`{"id":"chatcmpl-3","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"chatcmpl-3","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
			`[DONE]`,
		))
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	req := userRequest("hi")
	req.Stream = true

	stream, err := a.SendStreaming(context.Background(), req)
	require.NoError(t, err)

	var deltas []string
	var final *models.Response
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			final = chunk.Response
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"Hel", "lo"}, deltas, "chunks must arrive in vendor emission order")
	require.NotNil(t, final)
	assert.Equal(t, "Hello", final.Content)
	assert.Equal(t, 9, final.Usage.InputTokens)
	assert.Equal(t, 2, final.Usage.OutputTokens)
	assert.Equal(t, models.FinishStop, final.FinishReason)
}

func TestStreamDropSurfacesTerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"id":"c","model":"m","choices":[{"delta":{"content":"a"},"finish_reason":""}]}`,
			`{"id":"c","model":"m","choices":[{"delta":{"content":"b"},"finish_reason":""}]}`,
			`{"id":"c","model":"m","choices":[{"delta":{"content":"c"},"finish_reason":""}]}`,
		))
		// Connection closes without the [DONE] sentinel.
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	stream, err := a.SendStreaming(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	var deltas []string
	var terminal error
	for chunk := range stream {
		if chunk.Err != nil {
			terminal = chunk.Err
			continue
		}
		if !chunk.Done {
			deltas = append(deltas, chunk.Delta)
		}
	}

	assert.Len(t, deltas, 3, "all delivered chunks precede the terminal error")
	require.Error(t, terminal, "a dropped stream must never truncate silently")
	assert.True(t, fault.IsCode(terminal, fault.UpstreamError))
}

func TestDisposeIdempotent(t *testing.T) {
	a := newAdapter(t, "http://localhost:0")
	a.Dispose()
	a.Dispose()
	assert.NotPanics(t, func() { a.Dispose() })
}
