package agentbus

import (
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
)

func TestReducerTextDeltaAccumulates(t *testing.T) {
	var snap Snapshot
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "Hel"})
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "lo"})

	if len(snap.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(snap.Messages))
	}
	if snap.Messages[0].Content != "Hello" {
		t.Fatalf("Content = %q, want %q", snap.Messages[0].Content, "Hello")
	}
	if !snap.Messages[0].Streaming {
		t.Fatalf("expected message to still be streaming")
	}
}

func TestReducerToolCallLifecycle(t *testing.T) {
	var snap Snapshot
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "thinking"})
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventToolCall, ToolCallID: "t1", ToolName: "read_file"})

	if snap.Messages[0].Streaming {
		t.Fatalf("tool-call should clear the trailing streaming flag")
	}
	if len(snap.ToolCalls) != 1 || snap.ToolCalls[0].State != "executing" {
		t.Fatalf("ToolCalls = %+v", snap.ToolCalls)
	}

	// A second tool-call event with the same id must not duplicate.
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventToolCall, ToolCallID: "t1", ToolName: "read_file"})
	if len(snap.ToolCalls) != 1 {
		t.Fatalf("duplicate tool-call id should not append a second entry, got %d", len(snap.ToolCalls))
	}

	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventToolResult, ToolCallID: "t1", Result: []byte(`{"ok":true}`)})
	if snap.ToolCalls[0].State != "complete" {
		t.Fatalf("State = %q, want complete", snap.ToolCalls[0].State)
	}
}

func TestReducerFinishAndError(t *testing.T) {
	var snap Snapshot
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "x"})
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventFinish})
	if snap.Status != enum.AgentStatusCompleted {
		t.Fatalf("Status = %q, want COMPLETED", snap.Status)
	}
	if snap.Messages[0].Streaming {
		t.Fatalf("finish should clear streaming")
	}

	var snap2 Snapshot
	Apply(&snap2, pubsub.AgentEvent{Type: pubsub.EventError, Message: "boom"})
	if snap2.Status != enum.AgentStatusFailed {
		t.Fatalf("Status = %q, want FAILED", snap2.Status)
	}
}

func TestReducerFileEdit(t *testing.T) {
	var snap Snapshot
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventFileEdit, FileEdit: &pubsub.FileEdit{Path: "a.go", Operation: "modified"}})
	if len(snap.FilesEdited) != 1 || snap.FilesEdited[0].Path != "a.go" {
		t.Fatalf("FilesEdited = %+v", snap.FilesEdited)
	}
}

func TestPersistableStripsStreaming(t *testing.T) {
	var snap Snapshot
	Apply(&snap, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "hi"})
	if !snap.Messages[0].Streaming {
		t.Fatalf("precondition: message should be streaming")
	}
	persisted := snap.Persistable()
	if persisted.Messages[0].Streaming {
		t.Fatalf("Persistable() should strip the streaming marker")
	}
	if snap.Messages[0].Streaming != true {
		t.Fatalf("Persistable() must not mutate the original snapshot")
	}
}

// Replaying the same sequence of non-text-delta events twice should
// leave the snapshot in the same state the second time — the
// associative-over-suffixes property the reducer is built to satisfy.
func TestReducerIdempotentForNonTextFields(t *testing.T) {
	events := []pubsub.AgentEvent{
		{Type: pubsub.EventToolCall, ToolCallID: "t1", ToolName: "grep"},
		{Type: pubsub.EventToolResult, ToolCallID: "t1", Result: []byte(`"done"`)},
		{Type: pubsub.EventStatus, Status: string(enum.AgentStatusCompleted)},
	}
	var a, b Snapshot
	ApplyAll(&a, events)
	ApplyAll(&b, events)
	ApplyAll(&b, events) // re-apply: tool call dedup, result overwrite, status overwrite

	if len(a.ToolCalls) != len(b.ToolCalls) || a.ToolCalls[0].State != b.ToolCalls[0].State {
		t.Fatalf("re-applying events changed tool call state: %+v vs %+v", a.ToolCalls, b.ToolCalls)
	}
	if a.Status != b.Status {
		t.Fatalf("re-applying events changed status: %v vs %v", a.Status, b.Status)
	}
}
