package models

import (
	"fmt"
	"time"
)

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolParam describes a single parameter of a tool declaration.
type ToolParam struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Parameters  map[string]ToolParam `json:"parameters,omitempty"`
}

// ToolCall is a model-requested invocation of a declared tool.
// Arguments is a JSON object string; adapters repair malformed argument
// payloads before handing them to the caller.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is the provider-agnostic representation of an AI call.
// It is passed by value and never mutated after submission.
type Request struct {
	Messages      []Message     `json:"messages"`
	Model         string        `json:"model,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	TopP          float64       `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []Tool        `json:"tools,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Validate checks the request shape before any network or rate-limit
// activity happens on its behalf.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request must contain at least one message")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d has unknown role %q", i, m.Role)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", r.Temperature)
	}
	return nil
}

// Usage is the token accounting for one response. Cache fields are only
// populated by providers that support prompt caching.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Validate enforces the usage invariants: all counts non-negative, and
// total == input + output when no cache accounting is present.
func (u Usage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.TotalTokens < 0 ||
		u.CacheReadTokens < 0 || u.CacheWriteTokens < 0 {
		return fmt.Errorf("token counts must not be negative")
	}
	if u.CacheReadTokens == 0 && u.CacheWriteTokens == 0 &&
		u.TotalTokens != u.InputTokens+u.OutputTokens {
		return fmt.Errorf("total tokens %d != input %d + output %d",
			u.TotalTokens, u.InputTokens, u.OutputTokens)
	}
	return nil
}

// FinishReason reports why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
)

// Response is a single terminal AI response.
type Response struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Model        string       `json:"model"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
}

// StreamChunk is one element of a streaming response. The sequence is
// finite and forward-only: after a chunk with Done set (or a non-nil Err)
// no further chunks are delivered. A failed stream cannot be resumed; the
// caller re-issues the original request.
type StreamChunk struct {
	Delta    string    `json:"delta,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Response *Response `json:"response,omitempty"`
	Err      error     `json:"-"`
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}
