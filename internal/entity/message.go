package entity

import (
	"regexp"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Finish reasons reported by chat-completions providers.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is a structured request from the model to invoke a named tool.
// Arguments stay an unparsed JSON string — fragments are concatenated during
// streaming and only parsed at dispatch time.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments"`
	Status    ToolCallStatus `json:"status,omitempty"`
	Result    *ToolResult    `json:"result,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// ToolResult is the envelope every tool invocation resolves to. Tools never
// raise across the boundary; failures are encoded as Success=false with a
// stable code under Metadata["error"].
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorCode returns the stable code stored in Metadata["error"], if any.
func (r *ToolResult) ErrorCode() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	code, _ := r.Metadata["error"].(string)
	return code
}

// Usage carries cumulative token counters from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns the best available total token count.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Message is one turn in a session. IDs are monotonic per session; order is
// insertion order and is never rewritten.
type Message struct {
	ID         int            `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Reasoning  string         `json:"reasoning_content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IsCompactionSummary reports whether this message was produced by the
// compactor rather than the model.
func (m *Message) IsCompactionSummary() bool {
	if m.Metadata == nil {
		return false
	}
	flagged, _ := m.Metadata["compacted"].(bool)
	return flagged
}

// AssembledMessage is the Stream Processor's output for one assistant turn.
type AssembledMessage struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning_content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// HasToolCalls reports whether the turn requested tool execution.
func (m *AssembledMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ToMessage converts the assembled turn into a session message.
func (m *AssembledMessage) ToMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   m.Content,
		Reasoning: m.Reasoning,
		ToolCalls: m.ToolCalls,
		Usage:     m.Usage,
		Timestamp: time.Now(),
	}
}

// SessionStatus is the archival state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is the persistent unit of conversation state.
type Session struct {
	ID              string        `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Status          SessionStatus `json:"status"`
	TotalMessages   int           `json:"total_messages"`
	CompactionCount int           `json:"compaction_count"`
	Messages        []Message     `json:"messages"`
}

// NextMessageID returns the id for the next appended message.
func (s *Session) NextMessageID() int {
	if len(s.Messages) == 0 {
		return 1
	}
	return s.Messages[len(s.Messages)-1].ID + 1
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is URL-safe and length-bounded. The
// character class rejects path-traversal tokens by construction.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
