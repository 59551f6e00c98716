package agentbus

import (
	"context"
	"errors"
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
)

func TestTranslateProviderError(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{401, "Invalid or expired API key"},
		{429, "Rate limit exceeded"},
		{500, "Provider server error"},
		{503, "API error (503)"},
	}
	for _, c := range cases {
		got := translateError(&ProviderError{StatusCode: c.status, Err: errors.New("upstream")})
		if got != c.want {
			t.Errorf("translateError(%d) = %q, want %q", c.status, got, c.want)
		}
	}

	if got := translateError(errors.New("boom")); got != "stream error: boom" {
		t.Errorf("translateError(non-HTTP) = %q", got)
	}
}

type fakeModelStream struct {
	chunks []ModelChunk
	i      int
	failAt int // -1 means never fail
	err    error
}

func (f *fakeModelStream) Next(ctx context.Context) (ModelChunk, bool, error) {
	if f.failAt >= 0 && f.i == f.failAt {
		return ModelChunk{}, false, f.err
	}
	if f.i >= len(f.chunks) {
		return ModelChunk{}, false, nil
	}
	c := f.chunks[f.i]
	f.i++
	return c, true, nil
}

func TestPublisherExecuteHappyPath(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	stream := pubsub.NewMemoryStreamer()
	pub := New("a1", ps, stream)

	model := &fakeModelStream{failAt: -1, chunks: []ModelChunk{
		{Type: ChunkTextDelta, TextDelta: "Hel"},
		{Type: ChunkTextDelta, TextDelta: "lo"},
		{Type: ChunkToolCall, ToolCallID: "t1", ToolName: "read_file"},
		{Type: ChunkToolResult, ToolCallID: "t1", Result: []byte(`{"content":"x"}`)},
	}}

	if err := pub.Execute(context.Background(), "say hi", model); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	snap := pub.Snapshot()
	if snap.Status != enum.AgentStatusCompleted {
		t.Fatalf("Status = %q, want COMPLETED", snap.Status)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "Hello" {
		t.Fatalf("Messages = %+v", snap.Messages)
	}
	if len(snap.ToolCalls) != 1 || snap.ToolCalls[0].State != "complete" {
		t.Fatalf("ToolCalls = %+v", snap.ToolCalls)
	}

	entries, err := stream.Range(context.Background(), pubsub.AgentStreamKey("a1"), "", 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	// status(RUNNING), text-delta x2, tool-call, tool-result, finish, status(COMPLETED)
	if len(entries) != 7 {
		t.Fatalf("stream entries = %d, want 7", len(entries))
	}
}

func TestPublisherExecuteErrorPath(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	stream := pubsub.NewMemoryStreamer()
	pub := New("a2", ps, stream)

	model := &fakeModelStream{failAt: 0, err: &ProviderError{StatusCode: 429, Err: errors.New("too many requests")}}
	err := pub.Execute(context.Background(), "task", model)
	if err == nil {
		t.Fatal("expected Execute to return an error")
	}

	snap := pub.Snapshot()
	if snap.Status != enum.AgentStatusFailed {
		t.Fatalf("Status = %q, want FAILED", snap.Status)
	}
}

func TestPublisherEmptyTextDeltaIgnored(t *testing.T) {
	pub := New("a3", nil, nil) // no Redis: events should be dropped, not panic
	model := &fakeModelStream{failAt: -1, chunks: []ModelChunk{{Type: ChunkTextDelta, TextDelta: ""}}}
	if err := pub.Execute(context.Background(), "task", model); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(pub.Snapshot().Messages) != 0 {
		t.Fatalf("empty text-delta should not create a message")
	}
}

func TestPublisherNotifyFileEdit(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	stream := pubsub.NewMemoryStreamer()
	pub := New("a4", ps, stream)

	pub.NotifyFileEdit(context.Background(), pubsub.FileEdit{Path: "main.go", Operation: "created"})
	snap := pub.Snapshot()
	if len(snap.FilesEdited) != 1 || snap.FilesEdited[0].Path != "main.go" {
		t.Fatalf("FilesEdited = %+v", snap.FilesEdited)
	}
}
