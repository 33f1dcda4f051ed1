package anthropic

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

func TestInitializeRequiresAPIKey(t *testing.T) {
	a := New()
	err := a.Initialize(ai.Config{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.InvalidConfig))
}

func TestSendSync(t *testing.T) {
	var gotVersion, gotKey string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_01",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "hello back"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	resp, err := a.SendSync(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, models.FinishStop, resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	require.NoError(t, resp.Usage.Validate())

	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "claude-sonnet-4-20250514", gotBody["model"])
}

func TestSystemPromptCarriedOutOfBand(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"id":"m","model":"x","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), models.Request{Messages: []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "be terse", gotBody["system"])
	msgs := gotBody["messages"].([]interface{})
	require.Len(t, msgs, 1)
}

func TestToolUseResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id": "msg_02", "model": "x",
			"content": [{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 5, "output_tokens": 3}
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

func TestAuthFailureMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.AuthFailed))
}

func TestContextOverflowMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens"}}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.ContextOverflow))
}

func sseBody(events ...string) string {
	out := ""
	for _, e := range events {
		out += e + "\n\n"
	}
	return out
}

func TestSendStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`event: message_start
data: {"type":"message_start","message":{"id":"msg_03","model":"claude-sonnet-4-20250514","usage":{"input_tokens":9}}}`,
			`event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`event: message_stop
data: {"type":"message_stop"}`,
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
	assert.Equal(t, "msg_03", final.ID)
	assert.Equal(t, 9, final.Usage.InputTokens)
	assert.Equal(t, 2, final.Usage.OutputTokens)
	assert.Equal(t, models.FinishStop, final.FinishReason)
}

func TestStreamDropSurfacesTerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`data: {"type":"message_start","message":{"id":"m","model":"x","usage":{"input_tokens":1}}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"b"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"c"}}`,
		))
		// Connection closes without message_stop.
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

func TestStreamVendorErrorEventMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		))
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	stream, err := a.SendStreaming(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	var terminal error
	for chunk := range stream {
		if chunk.Err != nil {
			terminal = chunk.Err
		}
	}
	require.Error(t, terminal)
	assert.True(t, fault.IsCode(terminal, fault.UpstreamError))
}

func TestDisposeIdempotent(t *testing.T) {
	a := newAdapter(t, "http://localhost:0")
	a.Dispose()
	a.Dispose()
	// A third call after the first two must behave identically.
	assert.NotPanics(t, func() { a.Dispose() })
}

func TestTimeoutAbortsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	a := New()
	require.NoError(t, a.Initialize(ai.Config{APIKey: "k", BaseURL: server.URL, Timeout: 50 * time.Millisecond}))

	start := time.Now()
	_, err := a.SendSync(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.Timeout))
	assert.Less(t, time.Since(start), time.Second)
}
