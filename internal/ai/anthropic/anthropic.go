// Package anthropic implements the AI provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-sonnet-4-20250514"
)

// Adapter talks to the Anthropic Messages API. It is safe for concurrent
// use once initialized.
type Adapter struct {
	cfg         ai.Config
	httpClient  *http.Client
	disposeOnce sync.Once
}

// New returns an uninitialized adapter; call Initialize before use.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return "anthropic" }

// Initialize validates config. No network call happens here.
func (a *Adapter) Initialize(cfg ai.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = ai.DefaultTimeout
	}
	a.cfg = cfg
	a.httpClient = &http.Client{}
	return nil
}

// Capabilities is pure; the descriptor is rebuilt per call so callers can
// never alias adapter state.
func (a *Adapter) Capabilities() models.CapabilityDescriptor {
	return models.CapabilityDescriptor{
		Streaming:       true,
		ToolUse:         true,
		Multimodal:      true,
		PromptCaching:   true,
		MaxInputTokens:  200000,
		MaxOutputTokens: 64000,
		Models: []string{
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
			"claude-3-5-haiku-20241022",
		},
		APIVersion: apiVersion,
	}
}

func (a *Adapter) Models(ctx context.Context) ([]models.ModelInfo, error) {
	desc := a.Capabilities()
	out := make([]models.ModelInfo, 0, len(desc.Models))
	for _, id := range desc.Models {
		out = append(out, models.ModelInfo{ID: id, MaxTokens: desc.MaxOutputTokens})
	}
	return out, nil
}

// Dispose drops idle connections. Safe to call any number of times.
func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		if a.httpClient != nil {
			a.httpClient.CloseIdleConnections()
		}
	})
}

// Wire shapes for the Messages API.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Messages      []wireMessage `json:"messages"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read_input_tokens"`
	CacheWrite   int `json:"cache_creation_input_tokens"`
}

type wireContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      wireUsage          `json:"usage"`
}

func (a *Adapter) buildWireRequest(req models.Request, stream bool) wireRequest {
	wr := wireRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
	if wr.Model == "" {
		wr.Model = a.cfg.Model
	}
	if wr.MaxTokens == 0 {
		wr.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wr.Temperature = &t
	}
	if req.TopP > 0 {
		p := req.TopP
		wr.TopP = &p
	}
	// Anthropic carries the system prompt out of band.
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if wr.System != "" {
				wr.System += "\n"
			}
			wr.System += m.Content
			continue
		}
		wr.Messages = append(wr.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t),
		})
	}
	return wr
}

func toolSchema(t models.Tool) json.RawMessage {
	props := map[string]map[string]string{}
	var required []string
	for name, p := range t.Parameters {
		props[name] = map[string]string{"type": p.Type}
		if p.Description != "" {
			props[name]["description"] = p.Description
		}
		if p.Required {
			required = append(required, name)
		}
	}
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func (a *Adapter) newHTTPRequest(ctx context.Context, wr wireRequest) (*http.Request, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "encode request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// mapHTTPError converts a non-2xx vendor response to exactly one fault.
func (a *Adapter) mapHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	// The vendor reports context overflow as a 400 with a descriptive
	// message, not a dedicated status.
	if resp.StatusCode == http.StatusBadRequest {
		if strings.Contains(string(body), "prompt is too long") ||
			strings.Contains(string(body), "exceed context limit") {
			return fault.New(fault.ContextOverflow, "prompt exceeds the model context window").
				WithProvider(a.Name())
		}
		return fault.New(fault.InvalidRequest, "upstream rejected request: %s",
			string(body)).WithProvider(a.Name())
	}
	return fault.FromHTTPStatus(a.Name(), resp.StatusCode, retryAfter, string(body))
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (a *Adapter) callTimeout(req models.Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return a.cfg.Timeout
}

// SendSync issues a non-streaming call.
func (a *Adapter) SendSync(ctx context.Context, req models.Request) (*models.Response, error) {
	if a.httpClient == nil {
		return nil, fault.New(fault.InvalidConfig, "adapter not initialized").WithProvider(a.Name())
	}
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err).WithProvider(a.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout(req))
	defer cancel()

	httpReq, err := a.newHTTPRequest(ctx, a.buildWireRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.mapHTTPError(resp)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fault.Wrap(fault.UpstreamError, err, "decode response: %v", err).
			WithProvider(a.Name())
	}
	return a.toUnified(wr), nil
}

func (a *Adapter) mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err, "request timed out").WithProvider(a.Name())
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, err, "request cancelled").WithProvider(a.Name())
	}
	return fault.Wrap(fault.UpstreamError, err, "transport failure: %v", err).WithProvider(a.Name())
}

func (a *Adapter) toUnified(wr wireResponse) *models.Response {
	out := &models.Response{
		ID:    wr.ID,
		Model: wr.Model,
		Usage: models.Usage{
			InputTokens:      wr.Usage.InputTokens,
			OutputTokens:     wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
			CacheReadTokens:  wr.Usage.CacheRead,
			CacheWriteTokens: wr.Usage.CacheWrite,
		},
		FinishReason: mapStopReason(wr.StopReason),
	}
	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out
}

func mapStopReason(reason string) models.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolUse
	case "refusal":
		return models.FinishContentFilter
	}
	return models.FinishStop
}

// Streaming event payloads.

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendStreaming issues a streaming call. The returned channel is closed
// after the final chunk; a mid-stream vendor failure is delivered as a
// final chunk with Err set.
func (a *Adapter) SendStreaming(ctx context.Context, req models.Request) (<-chan models.StreamChunk, error) {
	if a.httpClient == nil {
		return nil, fault.New(fault.InvalidConfig, "adapter not initialized").WithProvider(a.Name())
	}
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err).WithProvider(a.Name())
	}

	streamCtx, cancel := context.WithTimeout(ctx, a.callTimeout(req))

	httpReq, err := a.newHTTPRequest(streamCtx, a.buildWireRequest(req, true))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, a.mapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, a.mapHTTPError(resp)
	}

	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()
		a.pumpStream(streamCtx, resp.Body, out)
	}()
	return out, nil
}

// pumpStream reads vendor events and forwards unified chunks in emission
// order. It never buffers ahead of the consumer.
func (a *Adapter) pumpStream(ctx context.Context, body io.Reader, out chan<- models.StreamChunk) {
	reader := ai.NewSSEReader(body)
	final := &models.Response{}

	emit := func(chunk models.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			// Stream ended without message_stop: the connection dropped.
			emit(models.StreamChunk{Err: fault.New(fault.UpstreamError,
				"stream ended before completion").WithProvider(a.Name())})
			return
		}
		if err != nil {
			emit(models.StreamChunk{Err: a.mapTransportError(err)})
			return
		}

		var sev streamEvent
		if jsonErr := json.Unmarshal([]byte(ev.Data), &sev); jsonErr != nil {
			log.Debug().Str("provider", a.Name()).Str("event", ev.Event).
				Msg("Skipping undecodable stream event")
			continue
		}

		switch sev.Type {
		case "message_start":
			final.ID = sev.Message.ID
			final.Model = sev.Message.Model
			final.Usage.InputTokens = sev.Message.Usage.InputTokens
			final.Usage.CacheReadTokens = sev.Message.Usage.CacheRead
			final.Usage.CacheWriteTokens = sev.Message.Usage.CacheWrite
		case "content_block_delta":
			if sev.Delta.Type == "text_delta" && sev.Delta.Text != "" {
				final.Content += sev.Delta.Text
				if !emit(models.StreamChunk{Delta: sev.Delta.Text}) {
					return
				}
			}
		case "message_delta":
			if sev.Delta.StopReason != "" {
				final.FinishReason = mapStopReason(sev.Delta.StopReason)
			}
			if sev.Usage.OutputTokens > 0 {
				final.Usage.OutputTokens = sev.Usage.OutputTokens
			}
		case "message_stop":
			final.Usage.TotalTokens = final.Usage.InputTokens + final.Usage.OutputTokens
			emit(models.StreamChunk{Done: true, Response: final})
			return
		case "error":
			emit(models.StreamChunk{Err: mapStreamError(a.Name(), sev.Error.Type, sev.Error.Message)})
			return
		case "ping", "content_block_start", "content_block_stop":
			// no unified representation
		}
	}
}

func mapStreamError(provider, errType, msg string) error {
	code := fault.UpstreamError
	switch errType {
	case "rate_limit_error":
		code = fault.RateLimited
	case "authentication_error", "permission_error":
		code = fault.AuthFailed
	case "invalid_request_error":
		code = fault.InvalidRequest
	}
	return fault.New(code, "stream error: %s", msg).WithProvider(provider)
}
