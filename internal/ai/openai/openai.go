// Package openai implements the AI provider adapter for the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o"
)

// Adapter talks to the OpenAI chat completions API.
type Adapter struct {
	cfg         ai.Config
	httpClient  *http.Client
	disposeOnce sync.Once
}

// New returns an uninitialized adapter; call Initialize before use.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return "openai" }

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

func (a *Adapter) Capabilities() models.CapabilityDescriptor {
	return models.CapabilityDescriptor{
		Streaming:       true,
		ToolUse:         true,
		Multimodal:      true,
		PromptCaching:   true,
		MaxInputTokens:  128000,
		MaxOutputTokens: 16384,
		Models:          []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
		APIVersion:      "v1",
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

func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		if a.httpClient != nil {
			a.httpClient.CloseIdleConnections()
		}
	})
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	MaxTokens     int                `json:"max_completion_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
	Tools         []wireTool         `json:"tools,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptDetails    struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

func (a *Adapter) buildWireRequest(req models.Request, stream bool) wireRequest {
	wr := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
		Stream:    stream,
	}
	if wr.Model == "" {
		wr.Model = a.cfg.Model
	}
	if stream {
		wr.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wr.Temperature = &t
	}
	if req.TopP > 0 {
		p := req.TopP
		wr.TopP = &p
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolSchema(t),
			},
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
		a.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	return httpReq, nil
}

func (a *Adapter) mapHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	// The vendor uses 400 for both malformed requests and prompts that
	// exceed the context window.
	if resp.StatusCode == http.StatusBadRequest {
		if bytes.Contains(body, []byte("context_length_exceeded")) ||
			bytes.Contains(body, []byte("maximum context length")) {
			return fault.New(fault.ContextOverflow, "prompt exceeds the model context window").
				WithProvider(a.Name())
		}
		if bytes.Contains(body, []byte("content_filter")) ||
			bytes.Contains(body, []byte("content_policy")) {
			return fault.New(fault.ContentBlocked, "request blocked by upstream content policy").
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

func (a *Adapter) mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err, "request timed out").WithProvider(a.Name())
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, err, "request cancelled").WithProvider(a.Name())
	}
	return fault.Wrap(fault.UpstreamError, err, "transport failure: %v", err).WithProvider(a.Name())
}

func mapFinishReason(reason string) models.FinishReason {
	switch reason {
	case "stop":
		return models.FinishStop
	case "length":
		return models.FinishLength
	case "tool_calls":
		return models.FinishToolUse
	case "content_filter":
		return models.FinishContentFilter
	}
	return models.FinishStop
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
	if len(wr.Choices) == 0 {
		return nil, fault.New(fault.UpstreamError, "response carried no choices").
			WithProvider(a.Name())
	}

	choice := wr.Choices[0]
	out := &models.Response{
		ID:      wr.ID,
		Model:   wr.Model,
		Content: choice.Message.Content,
		Usage: models.Usage{
			InputTokens:     wr.Usage.PromptTokens,
			OutputTokens:    wr.Usage.CompletionTokens,
			TotalTokens:     wr.Usage.TotalTokens,
			CacheReadTokens: wr.Usage.PromptDetails.CachedTokens,
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// SendStreaming issues a streaming call; the vendor terminates the
// sequence with a literal "[DONE]" sentinel after the usage frame.
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

func (a *Adapter) pumpStream(ctx context.Context, body io.Reader, out chan<- models.StreamChunk) {
	reader := ai.NewSSEReader(body)
	final := &models.Response{FinishReason: models.FinishStop}
	sawDone := false

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
			if sawDone {
				emit(models.StreamChunk{Done: true, Response: final})
			} else {
				emit(models.StreamChunk{Err: fault.New(fault.UpstreamError,
					"stream ended before completion").WithProvider(a.Name())})
			}
			return
		}
		if err != nil {
			emit(models.StreamChunk{Err: a.mapTransportError(err)})
			return
		}

		if ev.Data == "[DONE]" {
			sawDone = true
			continue
		}

		var sc streamChunk
		if jsonErr := json.Unmarshal([]byte(ev.Data), &sc); jsonErr != nil {
			log.Debug().Str("provider", a.Name()).Msg("Skipping undecodable stream frame")
			continue
		}

		if sc.ID != "" {
			final.ID = sc.ID
		}
		if sc.Model != "" {
			final.Model = sc.Model
		}
		if sc.Usage != nil {
			final.Usage = models.Usage{
				InputTokens:     sc.Usage.PromptTokens,
				OutputTokens:    sc.Usage.CompletionTokens,
				TotalTokens:     sc.Usage.TotalTokens,
				CacheReadTokens: sc.Usage.PromptDetails.CachedTokens,
			}
		}
		if len(sc.Choices) > 0 {
			choice := sc.Choices[0]
			if choice.FinishReason != "" {
				final.FinishReason = mapFinishReason(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				final.Content += choice.Delta.Content
				if !emit(models.StreamChunk{Delta: choice.Delta.Content}) {
					return
				}
			}
		}
	}
}
