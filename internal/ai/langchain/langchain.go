// Package langchain implements the AI provider adapter on top of the
// langchaingo abstractions. One adapter serves several hosted backends;
// the backend is fixed at construction and the credentials arrive at
// Initialize time.
package langchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

// Backend names accepted by New.
const (
	BackendGoogleAI  = "googleai"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
)

var defaultModels = map[string]string{
	BackendGoogleAI:  "gemini-2.0-flash",
	BackendOpenAI:    "gpt-4o-mini",
	BackendAnthropic: "claude-sonnet-4-20250514",
	BackendOllama:    "llama3.1",
}

// Adapter routes unified requests through a langchaingo llms.Model.
type Adapter struct {
	backend     string
	cfg         ai.Config
	llm         llms.Model
	disposeOnce sync.Once
}

// New returns an adapter bound to the named backend. The backend name is
// validated at Initialize time so construction never fails.
func New(backend string) *Adapter {
	return &Adapter{backend: backend}
}

func (a *Adapter) Name() string { return "langchain-" + a.backend }

func (a *Adapter) Initialize(cfg ai.Config) error {
	// Ollama is the one backend that runs without credentials.
	if a.backend != BackendOllama {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if cfg.Model == "" {
		cfg.Model = defaultModels[a.backend]
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = ai.DefaultTimeout
	}

	llm, err := a.buildLLM(cfg)
	if err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "initialize %s backend: %v", a.backend, err)
	}
	a.cfg = cfg
	a.llm = llm
	return nil
}

func (a *Adapter) buildLLM(cfg ai.Config) (llms.Model, error) {
	switch a.backend {
	case BackendGoogleAI:
		return googleai.New(context.Background(),
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model))
	case BackendOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case BackendAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case BackendOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	}
	return nil, fmt.Errorf("unknown backend %q", a.backend)
}

func (a *Adapter) Capabilities() models.CapabilityDescriptor {
	desc := models.CapabilityDescriptor{
		Streaming:       true,
		ToolUse:         true,
		MaxInputTokens:  128000,
		MaxOutputTokens: 8192,
		Models:          []string{defaultModels[a.backend]},
		APIVersion:      "langchaingo",
	}
	// Local models advertise no tool surface here; argument shapes vary
	// too much across quantizations to promise structured calls.
	if a.backend == BackendOllama {
		desc.ToolUse = false
	}
	return desc
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
		a.llm = nil
	})
}

func toMessageContent(req models.Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (a *Adapter) callOptions(req models.Request) []llms.CallOption {
	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.TopP > 0 {
		opts = append(opts, llms.WithTopP(req.TopP))
	}
	if len(req.StopSequences) > 0 {
		opts = append(opts, llms.WithStopWords(req.StopSequences))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(toLLMTools(req.Tools)))
	}
	return opts
}

func toLLMTools(tools []models.Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		props := map[string]any{}
		var required []string
		for name, p := range t.Parameters {
			prop := map[string]any{"type": p.Type}
			if p.Description != "" {
				prop["description"] = p.Description
			}
			props[name] = prop
			if p.Required {
				required = append(required, name)
			}
		}
		params := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			params["required"] = required
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// repairArguments normalizes a tool-call argument payload. Hosted models
// occasionally emit truncated or single-quoted JSON; the repair pass
// keeps those calls usable instead of failing the whole response.
func repairArguments(raw string) string {
	if raw == "" {
		return "{}"
	}
	if json.Valid([]byte(raw)) {
		return raw
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Tool argument repair failed, passing payload through")
		return raw
	}
	return fixed
}

func (a *Adapter) toUnified(resp *llms.ContentResponse) (*models.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fault.New(fault.UpstreamError, "backend returned no choices").
			WithProvider(a.Name())
	}
	choice := resp.Choices[0]
	out := &models.Response{
		Content:      choice.Content,
		Model:        a.cfg.Model,
		Usage:        usageFromInfo(choice.GenerationInfo),
		FinishReason: mapStopReason(choice.StopReason),
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: repairArguments(tc.FunctionCall.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == models.FinishStop {
		out.FinishReason = models.FinishToolUse
	}
	return out, nil
}

// usageFromInfo digs token counts out of GenerationInfo. Key casing
// differs per backend, so every known spelling is probed.
func usageFromInfo(info map[string]any) models.Usage {
	get := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := info[k]; ok {
				switch n := v.(type) {
				case int:
					return n
				case int64:
					return int(n)
				case float64:
					return int(n)
				}
			}
		}
		return 0
	}
	u := models.Usage{
		InputTokens:  get("PromptTokens", "InputTokens", "input_tokens", "prompt_tokens"),
		OutputTokens: get("CompletionTokens", "OutputTokens", "output_tokens", "completion_tokens"),
		TotalTokens:  get("TotalTokens", "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func mapStopReason(reason string) models.FinishReason {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence", "":
		return models.FinishStop
	case "length", "max_tokens":
		return models.FinishLength
	case "tool_calls", "tool_use":
		return models.FinishToolUse
	case "content_filter", "safety":
		return models.FinishContentFilter
	}
	return models.FinishStop
}

// mapGenerateError classifies langchaingo errors. The library surfaces
// vendor failures as flat error strings, so classification is textual.
func (a *Adapter) mapGenerateError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err, "request timed out").WithProvider(a.Name())
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, err, "request cancelled").WithProvider(a.Name())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota"):
		return fault.Wrap(fault.RateLimited, err, "backend rate limited: %v", err).
			WithProvider(a.Name())
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized"):
		return fault.Wrap(fault.AuthFailed, err, "backend rejected credentials").
			WithProvider(a.Name())
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too long") ||
		strings.Contains(msg, "token limit"):
		return fault.Wrap(fault.ContextOverflow, err, "prompt exceeds the model context window").
			WithProvider(a.Name())
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked") ||
		strings.Contains(msg, "content policy"):
		return fault.Wrap(fault.ContentBlocked, err, "request blocked by backend policy").
			WithProvider(a.Name())
	}
	return fault.Wrap(fault.UpstreamError, err, "backend call failed: %v", err).
		WithProvider(a.Name())
}

// SendSync issues a blocking call and returns the terminal response.
func (a *Adapter) SendSync(ctx context.Context, req models.Request) (*models.Response, error) {
	if a.llm == nil {
		return nil, fault.New(fault.InvalidConfig, "adapter not initialized").WithProvider(a.Name())
	}
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err).WithProvider(a.Name())
	}

	timeout := a.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := a.llm.GenerateContent(ctx, toMessageContent(req), a.callOptions(req)...)
	if err != nil {
		return nil, a.mapGenerateError(err)
	}
	return a.toUnified(resp)
}

// SendStreaming issues a streaming call. Deltas arrive through the
// returned channel in backend emission order, followed by one terminal
// Done chunk carrying the assembled response.
func (a *Adapter) SendStreaming(ctx context.Context, req models.Request) (<-chan models.StreamChunk, error) {
	if a.llm == nil {
		return nil, fault.New(fault.InvalidConfig, "adapter not initialized").WithProvider(a.Name())
	}
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err).WithProvider(a.Name())
	}

	timeout := a.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)

	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()

		emit := func(chunk models.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-streamCtx.Done():
				return false
			}
		}

		opts := append(a.callOptions(req),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !emit(models.StreamChunk{Delta: string(chunk)}) {
					return streamCtx.Err()
				}
				return nil
			}))

		resp, err := a.llm.GenerateContent(streamCtx, toMessageContent(req), opts...)
		if err != nil {
			emit(models.StreamChunk{Err: a.mapGenerateError(err)})
			return
		}
		unified, err := a.toUnified(resp)
		if err != nil {
			emit(models.StreamChunk{Err: err})
			return
		}
		emit(models.StreamChunk{Done: true, Response: unified})
	}()
	return out, nil
}
