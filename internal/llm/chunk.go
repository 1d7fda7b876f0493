package llm

import (
	"github.com/loomhq/loom/internal/entity"
)

// Chunk is one normalized frame extracted from a provider stream. The shape
// follows the chat-completions delta format, which all supported vendors
// speak natively or map onto.
type Chunk struct {
	ID      string        `json:"id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []Choice      `json:"choices,omitempty"`
	Usage   *entity.Usage `json:"usage,omitempty"`
}

// Choice is a single completion choice within a chunk.
type Choice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental payload of one chunk.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment. Fragments for the same
// call share an index; id and name arrive on the first fragment, argument
// bytes accumulate across the rest.
type ToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// FinishReason returns the first finish reason present in the chunk, or "".
func (c *Chunk) FinishReason() string {
	for _, choice := range c.Choices {
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			return *choice.FinishReason
		}
	}
	return ""
}

// ThinkingMode controls whether the provider is asked to expose reasoning.
type ThinkingMode string

const (
	ThinkingEnabled  ThinkingMode = "enabled"
	ThinkingDisabled ThinkingMode = "disabled"
	ThinkingAuto     ThinkingMode = "auto"
)

// ToolDefinition is the schema surface a tool exposes to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized provider request built by the agent loop.
// Adapters translate it into vendor wire format.
type Request struct {
	Model        string
	Messages     []entity.Message
	Tools        []ToolDefinition
	Temperature  *float64
	MaxTokens    int
	ThinkingMode ThinkingMode
	Stream       bool
}
