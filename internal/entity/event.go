package entity

import "time"

// EventType identifies a stream callback event. The names form the observable
// protocol consumed by UIs and other subscribers.
type EventType string

const (
	EventTextStart         EventType = "text-start"
	EventTextDelta         EventType = "text-delta"
	EventTextComplete      EventType = "text-complete"
	EventReasoningStart    EventType = "reasoning-start"
	EventReasoningDelta    EventType = "reasoning-delta"
	EventReasoningComplete EventType = "reasoning-complete"
	EventToolCallCreated   EventType = "tool_call_created"
	EventToolCallStream    EventType = "tool_call_stream"
	EventToolCallResult    EventType = "tool_call_result"
	EventCodePatch         EventType = "code_patch"
	EventStatus            EventType = "status"
	EventError             EventType = "error"
	EventCompaction        EventType = "compaction"
)

// AgentState is the coarse run state reported through status events.
type AgentState string

const (
	StateIdle      AgentState = "idle"
	StateThinking  AgentState = "thinking"
	StateRunning   AgentState = "running"
	StateCompleted AgentState = "completed"
	StateFailed    AgentState = "failed"
	StateAborted   AgentState = "aborted"
)

// StepInfo is per-turn metadata attached to status events.
type StepInfo struct {
	Step       int    `json:"step"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// Event is a single notification emitted during an agent run. It is a flat
// union — only the fields relevant to Type are populated.
type Event struct {
	Type       EventType      `json:"type"`
	Content    string         `json:"content,omitempty"`    // text/reasoning payloads
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"` // tool_call_created
	CallID     string         `json:"call_id,omitempty"`    // tool_call_stream / tool_call_result
	Result     *ToolResult    `json:"result,omitempty"`
	CallStatus ToolCallStatus `json:"call_status,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Path       string         `json:"path,omitempty"` // code_patch
	Diff       string         `json:"diff,omitempty"`
	State      AgentState     `json:"state,omitempty"` // status
	Message    string         `json:"message,omitempty"`
	Step       *StepInfo      `json:"step_info,omitempty"`
	Err        string         `json:"error,omitempty"`
	Phase      string         `json:"phase,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StreamCallback receives events in emission order. Callbacks run on the
// loop's goroutine; slow callbacks slow the stream.
type StreamCallback func(Event)

// StatusEvent builds a status event.
func StatusEvent(state AgentState, message string) Event {
	return Event{Type: EventStatus, State: state, Message: message, Timestamp: time.Now()}
}

// ErrorEvent builds an error event tagged with the phase that produced it.
func ErrorEvent(err error, phase string) Event {
	return Event{Type: EventError, Err: err.Error(), Phase: phase, Timestamp: time.Now()}
}
