package agentbus

import (
	"context"
	"testing"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, store.Store, *pubsub.MemoryPubSub, *pubsub.MemoryStreamer) {
	t.Helper()
	st := store.NewMemoryStore()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })
	stream := pubsub.NewMemoryStreamer()
	return NewGateway(st, ps, stream), st, ps, stream
}

func TestGatewayHydrateFromEmptyAgent(t *testing.T) {
	gw, st, _, _ := newTestGateway(t)
	ctx := context.Background()

	if err := st.CreateAgent(ctx, &store.Agent{ID: "a1", WorkspaceID: "w1", Status: enum.AgentStatusRunning}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	snap, _, cleanup, err := gw.Subscribe(ctx, "a1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	if snap.Status != enum.AgentStatusRunning {
		t.Fatalf("Status = %q, want RUNNING", snap.Status)
	}
}

func TestGatewaySubscribeMissingAgentOK(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	snap, _, cleanup, err := gw.Subscribe(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Subscribe on missing agent should not error: %v", err)
	}
	defer cleanup()
	if snap.Status != "" {
		t.Fatalf("expected empty baseline status, got %q", snap.Status)
	}
}

func TestGatewayLiveForwardAndFanOut(t *testing.T) {
	gw, _, ps, stream := newTestGateway(t)
	ctx := context.Background()

	_, ch1, cleanup1, err := gw.Subscribe(ctx, "a2")
	if err != nil {
		t.Fatalf("Subscribe socket 1: %v", err)
	}
	defer cleanup1()
	_, ch2, cleanup2, err := gw.Subscribe(ctx, "a2")
	if err != nil {
		t.Fatalf("Subscribe socket 2: %v", err)
	}
	defer cleanup2()

	pub := New("a2", ps, stream)
	go pub.Execute(ctx, "task", &fakeModelStream{failAt: -1, chunks: []ModelChunk{
		{Type: ChunkTextDelta, TextDelta: "Hello"},
	}})

	deadline := time.After(2 * time.Second)
	frames1, frames2 := 0, 0
	for frames1 == 0 || frames2 == 0 {
		select {
		case <-ch1:
			frames1++
		case <-ch2:
			frames2++
		case <-deadline:
			t.Fatalf("timed out waiting for live-forwarded frames (ch1=%d ch2=%d)", frames1, frames2)
		}
	}
}

func TestGatewaySyncOnceClosesGaps(t *testing.T) {
	gw, _, _, stream := newTestGateway(t)
	ctx := context.Background()

	_, ch, cleanup, err := gw.Subscribe(ctx, "a3")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	// Simulate an event that arrived on the stream without a live
	// pub/sub delivery (e.g. a missed publish) — SyncOnce should still
	// pick it up.
	ev := pubsub.AgentEvent{Type: pubsub.EventTextDelta, TextDelta: "sync"}
	if _, err := stream.Append(ctx, pubsub.AgentStreamKey("a3"), ev, 1000); err != nil {
		t.Fatalf("Append: %v", err)
	}

	gw.SyncOnce(ctx)

	select {
	case frame := <-ch:
		if frame.Snapshot == nil {
			t.Fatal("expected a snapshot frame from SyncOnce")
		}
		if len(frame.Snapshot.Messages) != 1 || frame.Snapshot.Messages[0].Content != "sync" {
			t.Fatalf("Snapshot.Messages = %+v", frame.Snapshot.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync frame")
	}
}

func TestGatewayWritebackOnceUpdatesStore(t *testing.T) {
	gw, st, ps, stream := newTestGateway(t)
	ctx := context.Background()

	if err := st.CreateAgent(ctx, &store.Agent{ID: "a4", WorkspaceID: "w1", Status: enum.AgentStatusPending}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	_, ch, cleanup, err := gw.Subscribe(ctx, "a4")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	if err := ps.Publish(ctx, pubsub.AgentEventsTopic("a4"), pubsub.AgentEvent{Type: pubsub.EventStatus, Status: string(enum.AgentStatusRunning)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Drain the live-forwarded frame so the goroutine has applied it.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live frame before writeback")
	}

	gw.WritebackOnce(ctx)

	got, err := st.FindAgentByID(ctx, "a4")
	if err != nil {
		t.Fatalf("FindAgentByID: %v", err)
	}
	if got.Status != enum.AgentStatusRunning {
		t.Fatalf("Status = %q, want RUNNING", got.Status)
	}
	if got.LastMessageAt == nil {
		t.Fatal("expected LastMessageAt to be set")
	}
	_ = stream
}

func TestGatewayUnsubscribeDropsState(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	ctx := context.Background()

	_, _, cleanup, err := gw.Subscribe(ctx, "a5")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	gw.mu.Lock()
	_, ok := gw.agents["a5"]
	gw.mu.Unlock()
	if !ok {
		t.Fatal("expected agent state to exist while subscribed")
	}

	cleanup()

	gw.mu.Lock()
	_, ok = gw.agents["a5"]
	gw.mu.Unlock()
	if ok {
		t.Fatal("expected agent state to be dropped after last unsubscribe")
	}
}
