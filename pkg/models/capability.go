package models

import "fmt"

// Capability flag names accepted by registry discovery queries.
const (
	CapStreaming     = "streaming"
	CapToolUse       = "tool_use"
	CapMultimodal    = "multimodal"
	CapWebhooks      = "webhooks"
	CapCIStatus      = "ci_status"
	CapPromptCaching = "prompt_caching"
)

// CapabilityDescriptor is an immutable snapshot of what one provider or
// platform supports. The registry stores clones only, so descriptors are
// replaced wholesale and never mutated while readers hold them.
type CapabilityDescriptor struct {
	Streaming     bool `json:"streaming"`
	ToolUse       bool `json:"tool_use"`
	Multimodal    bool `json:"multimodal"`
	Webhooks      bool `json:"webhooks"`
	CIStatus      bool `json:"ci_status"`
	PromptCaching bool `json:"prompt_caching"`

	MaxInputTokens    int `json:"max_input_tokens,omitempty"`
	MaxOutputTokens   int `json:"max_output_tokens,omitempty"`
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty"`

	Models     []string `json:"models,omitempty"`
	APIVersion string   `json:"api_version,omitempty"`
}

// Validate rejects descriptors that could corrupt routing decisions.
func (d CapabilityDescriptor) Validate() error {
	if d.MaxInputTokens < 0 || d.MaxOutputTokens < 0 {
		return fmt.Errorf("token limits must not be negative")
	}
	if d.RequestsPerMinute < 0 || d.TokensPerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

// Clone returns a deep copy. The registry clones on both register and
// lookup so callers can never alias registry-held state.
func (d CapabilityDescriptor) Clone() CapabilityDescriptor {
	out := d
	if d.Models != nil {
		out.Models = make([]string, len(d.Models))
		copy(out.Models, d.Models)
	}
	return out
}

// Has reports whether the named capability flag is set. Unknown flag names
// report false rather than erroring so discovery queries stay total.
func (d CapabilityDescriptor) Has(flag string) bool {
	switch flag {
	case CapStreaming:
		return d.Streaming
	case CapToolUse:
		return d.ToolUse
	case CapMultimodal:
		return d.Multimodal
	case CapWebhooks:
		return d.Webhooks
	case CapCIStatus:
		return d.CIStatus
	case CapPromptCaching:
		return d.PromptCaching
	}
	return false
}
