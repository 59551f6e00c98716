package pubsub

import "encoding/json"

// EventType tags the variant of an in-transit AgentEvent. Every event
// carries AgentID and a millisecond Timestamp; the payload fields
// present depend on Type.
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventToolCall  EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFileEdit  EventType = "file-edit"
	EventStatus    EventType = "status"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// FileEdit describes one file mutation an agent tool reported.
type FileEdit struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // enum.FileEditOperation
	Diff      string `json:"diff,omitempty"`
}

// AgentEvent is the single wire type every Agent Event Bus event is
// serialized as. It is a tagged union over seven event forms: exactly
// the fields relevant to Type are populated, the rest left zero.
// Immutable once published — the publisher never mutates an
// AgentEvent it has already handed to Append/Publish.
type AgentEvent struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch

	// text-delta
	TextDelta string `json:"textDelta,omitempty"`

	// tool-call / tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// file-edit
	FileEdit *FileEdit `json:"fileEdit,omitempty"`

	// status
	Status string `json:"status,omitempty"` // enum.AgentStatus

	// error
	Message string `json:"message,omitempty"`
}
