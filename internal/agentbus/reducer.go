package agentbus

import (
	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
)

// Apply folds one AgentEvent into snap. It is associative over
// contiguous suffixes for every field except Messages' accumulating
// text-delta content — callers (the gateway) must track lastStreamId
// per agent and advance it monotonically rather than re-applying from
// an arbitrary point.
func Apply(snap *Snapshot, ev pubsub.AgentEvent) {
	switch ev.Type {
	case pubsub.EventTextDelta:
		if n := len(snap.Messages); n > 0 && snap.Messages[n-1].Role == "assistant" && snap.Messages[n-1].Streaming {
			snap.Messages[n-1].Content += ev.TextDelta
			return
		}
		snap.Messages = append(snap.Messages, Message{Role: "assistant", Content: ev.TextDelta, Streaming: true})

	case pubsub.EventToolCall:
		found := false
		for _, tc := range snap.ToolCalls {
			if tc.ID == ev.ToolCallID {
				found = true
				break
			}
		}
		if !found {
			snap.ToolCalls = append(snap.ToolCalls, ToolCall{
				ID: ev.ToolCallID, Name: ev.ToolName, Args: ev.Args, State: "executing",
			})
		}
		clearTrailingStreaming(snap)

	case pubsub.EventToolResult:
		for i, tc := range snap.ToolCalls {
			if tc.ID == ev.ToolCallID {
				snap.ToolCalls[i].State = "complete"
				snap.ToolCalls[i].Result = ev.Result
				break
			}
		}

	case pubsub.EventFileEdit:
		if ev.FileEdit != nil {
			snap.FilesEdited = append(snap.FilesEdited, *ev.FileEdit)
		}

	case pubsub.EventStatus:
		snap.Status = enum.AgentStatus(ev.Status)
		if snap.Status != enum.AgentStatusRunning {
			clearTrailingStreaming(snap)
		}

	case pubsub.EventFinish:
		snap.Status = enum.AgentStatusCompleted
		clearTrailingStreaming(snap)

	case pubsub.EventError:
		snap.Status = enum.AgentStatusFailed
		clearTrailingStreaming(snap)
	}
}

// clearTrailingStreaming drops the in-memory streaming marker off the
// last message, if it's a still-accumulating assistant message. Shared
// by the event kinds that end a turn.
func clearTrailingStreaming(snap *Snapshot) {
	if n := len(snap.Messages); n > 0 {
		snap.Messages[n-1].Streaming = false
	}
}

// ApplyAll folds a sequence of events onto snap in order.
func ApplyAll(snap *Snapshot, events []pubsub.AgentEvent) {
	for _, ev := range events {
		Apply(snap, ev)
	}
}
