package agentbus

import (
	"encoding/json"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
)

// Message is one turn in an agent's conversation history. Streaming is
// an in-memory-only marker, stripped before the snapshot is
// serialized for persistence, set while an assistant
// message is still accumulating text-delta events.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"-"`
}

// ToolCall is one tool invocation an agent made, tracked from the
// moment it starts executing through its result.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	State  string          `json:"state"` // "executing" | "complete"
	Result json.RawMessage `json:"result,omitempty"`
}

// Snapshot is the reducer's aggregated state for one agent: status,
// conversation, tool calls, and file edits. It is
// the baseline persisted into store.Agent's three serialized JSON
// columns, and the live view pushed to browser subscribers as
// "agent-state".
type Snapshot struct {
	Status      enum.AgentStatus    `json:"status"`
	Messages    []Message           `json:"messages"`
	ToolCalls   []ToolCall          `json:"toolCalls"`
	FilesEdited []pubsub.FileEdit   `json:"filesEdited"`
}

// Persistable returns a copy of the snapshot with every message's
// Streaming flag cleared. JSON
// serialization of that result is what gets written to the Agent row's
// conversationHistory/toolCalls/filesEdited columns.
func (s Snapshot) Persistable() Snapshot {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Streaming = false
		out.Messages[i] = m
	}
	return out
}

// Clone returns a deep-enough copy for concurrent readers: the gateway
// hands out Clone() results to newly hydrating sockets while a live
// forward goroutine keeps mutating its own copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.FilesEdited = append([]pubsub.FileEdit(nil), s.FilesEdited...)
	return out
}
