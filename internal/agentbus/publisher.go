package agentbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
)

// maxStreamLen is the Redis stream's approximate MAXLEN trim target.
const maxStreamLen = 1000

// ChunkType enumerates the tagged chunks a model client yields.
type ChunkType string

const (
	ChunkTextDelta  ChunkType = "text-delta"
	ChunkToolCall   ChunkType = "tool-call"
	ChunkToolResult ChunkType = "tool-result"
)

// ModelChunk is one item of the model client's output stream.
type ModelChunk struct {
	Type ChunkType

	TextDelta string

	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     json.RawMessage
}

// ModelStream is a lazy finite sequence of tagged chunks, consumed
// forward-only and cancellable by dropping the iterator. Next returns
// ok=false once the sequence is exhausted; err is set only on a
// genuine stream failure (e.g. the provider HTTP call failing).
type ModelStream interface {
	Next(ctx context.Context) (chunk ModelChunk, ok bool, err error)
}

// ProviderError carries the model provider's HTTP status so the
// publisher boundary can translate it into a fixed user-facing
// message, exactly once.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// translateError maps a provider HTTP status to a user-facing
// message. Non-HTTP errors become a generic stream error; this is the
// one place in the control plane this translation happens.
func translateError(err error) string {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch provErr.StatusCode {
		case 401:
			return "Invalid or expired API key"
		case 429:
			return "Rate limit exceeded"
		case 500:
			return "Provider server error"
		default:
			return fmt.Sprintf("API error (%d)", provErr.StatusCode)
		}
	}
	return fmt.Sprintf("stream error: %v", err)
}

// FileEditNotifier is the explicit interface the file-write tool is
// constructed with, rather than relying on a module-level callback
// global.
type FileEditNotifier interface {
	NotifyFileEdit(ctx context.Context, edit pubsub.FileEdit)
}

// Publisher is the in-container executor: one instance per agent run,
// consuming a ModelStream and republishing each chunk as an AgentEvent
// to both the durable stream and the live pub/sub channel. Its local
// snapshot mirror uses the same Reducer the gateway applies downstream,
// so local buffers stay consistent with the authoritative snapshot the
// gateway reconstructs.
type Publisher struct {
	agentID string
	ps      pubsub.PubSub
	stream  pubsub.Streamer
	log     *logger.Logger

	snapshot Snapshot
}

// New returns a Publisher for one agent run. ps/stream may be nil in
// tests that only want to exercise local state transitions; in
// production both are always a Redis-backed client.
func New(agentID string, ps pubsub.PubSub, stream pubsub.Streamer) *Publisher {
	return &Publisher{agentID: agentID, ps: ps, stream: stream, log: logger.Named("agentbus.publisher")}
}

// Snapshot returns a copy of the publisher's current local state.
func (p *Publisher) Snapshot() Snapshot { return p.snapshot.Clone() }

func (p *Publisher) now() int64 { return time.Now().UnixMilli() }

// publish writes ev to both the stream (history) and the pub/sub
// channel (live). A disconnected Redis client is not a fatal error for
// an agent run: events are dropped with a warning.
func (p *Publisher) publish(ctx context.Context, ev pubsub.AgentEvent) {
	ev.AgentID = p.agentID
	ev.Timestamp = p.now()
	Apply(&p.snapshot, ev)

	if p.stream == nil || p.ps == nil {
		return
	}
	if _, err := p.stream.Append(ctx, pubsub.AgentStreamKey(p.agentID), ev, maxStreamLen); err != nil {
		p.log.Warn(ctx, "append agent event to stream failed, dropping", "agent_id", p.agentID, "error", err)
	}
	if err := p.ps.Publish(ctx, pubsub.AgentEventsTopic(p.agentID), ev); err != nil {
		p.log.Warn(ctx, "publish agent event failed, dropping", "agent_id", p.agentID, "error", err)
	}
}

// Execute runs task through model, translating each chunk into
// AgentEvents, and returns the translated error (if any) after
// publishing it as an error event and a terminal FAILED status.
// Clearing any in-flight flag is the caller's responsibility — this
// method's return is itself that signal.
func (p *Publisher) Execute(ctx context.Context, task string, model ModelStream) error {
	p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventStatus, Status: string(enum.AgentStatusRunning)})

	for {
		chunk, ok, err := model.Next(ctx)
		if err != nil {
			msg := translateError(err)
			p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventError, Message: msg})
			p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventStatus, Status: string(enum.AgentStatusFailed)})
			return fmt.Errorf("agentbus: execute: %s", msg)
		}
		if !ok {
			break
		}
		p.applyChunk(ctx, chunk)
	}

	p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventFinish})
	p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventStatus, Status: string(enum.AgentStatusCompleted)})
	return nil
}

func (p *Publisher) applyChunk(ctx context.Context, chunk ModelChunk) {
	switch chunk.Type {
	case ChunkTextDelta:
		if chunk.TextDelta == "" {
			return
		}
		p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: chunk.TextDelta})

	case ChunkToolCall:
		p.publish(ctx, pubsub.AgentEvent{
			Type: pubsub.EventToolCall, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Args: chunk.Args,
		})

	case ChunkToolResult:
		p.publish(ctx, pubsub.AgentEvent{
			Type: pubsub.EventToolResult, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Result: chunk.Result,
		})
	}
}

// NotifyFileEdit implements FileEditNotifier: the file-write tool
// calls this directly (constructed with a reference to the running
// Publisher) instead of invoking a global callback.
func (p *Publisher) NotifyFileEdit(ctx context.Context, edit pubsub.FileEdit) {
	p.publish(ctx, pubsub.AgentEvent{Type: pubsub.EventFileEdit, FileEdit: &edit})
}
