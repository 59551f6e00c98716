package agentbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

// hydrateReplayCount bounds how many recent stream entries hydration
// replays.
const hydrateReplayCount = 500

// Frame is what a subscribed socket receives over its channel: either
// a full "agent-state" snapshot (initial hydration, or a periodic-sync
// re-emit) or a single live-forwarded AgentEvent. The control plane's
// actual transport to the browser sits on top of this channel.
type Frame struct {
	Snapshot *Snapshot
	Event    *pubsub.AgentEvent
}

// agentGatewayState is the per-agent in-memory registry entry: the
// authoritative snapshot, the last stream id folded in, and the set of
// subscribed sockets sharing one live pub/sub subscription.
type agentGatewayState struct {
	mu           sync.Mutex
	snapshot     Snapshot
	lastStreamID string
	subscribers  map[int]chan Frame
	nextSubID    int
	stopLive     func()
	statusDirty  bool
}

// Gateway is the host-side Agent Event Bus subscriber/fan-out: it
// hydrates new subscribers from the persisted Agent row plus stream
// replay, shares one live pub/sub subscription per agent across every
// socket watching it, periodically closes gaps from the durable
// stream, and reconciles status back to the store.
type Gateway struct {
	store  store.Store
	ps     pubsub.PubSub
	stream pubsub.Streamer
	log    *logger.Logger

	mu     sync.Mutex
	agents map[string]*agentGatewayState
}

func NewGateway(st store.Store, ps pubsub.PubSub, stream pubsub.Streamer) *Gateway {
	return &Gateway{
		store: st, ps: ps, stream: stream,
		log:    logger.Named("agentbus.gateway"),
		agents: make(map[string]*agentGatewayState),
	}
}

// Subscribe attaches one browser socket to agentID: hydrates (on first
// subscriber) or joins the existing snapshot, starts or reuses the
// shared live-forward subscription, and returns the initial snapshot
// plus a channel of further Frames. The returned cleanup function must
// be called on socket disconnect; when it's the last subscriber for
// agentID, per-agent gateway state is dropped entirely.
func (g *Gateway) Subscribe(ctx context.Context, agentID string) (Snapshot, <-chan Frame, func(), error) {
	g.mu.Lock()
	state, existed := g.agents[agentID]
	if !existed {
		hydrated, err := g.hydrate(ctx, agentID)
		if err != nil {
			g.mu.Unlock()
			return Snapshot{}, nil, nil, err
		}
		state = hydrated
		g.agents[agentID] = state
	}
	g.mu.Unlock()

	state.mu.Lock()
	if state.stopLive == nil {
		state.stopLive = g.startLiveForward(agentID, state)
	}
	subID := state.nextSubID
	state.nextSubID++
	ch := make(chan Frame, 64)
	state.subscribers[subID] = ch
	snap := state.snapshot.Clone()
	state.mu.Unlock()

	cleanup := func() { g.unsubscribe(agentID, subID) }
	return snap, ch, cleanup, nil
}

// hydrate loads the persisted Agent row (tolerating a missing row as
// an empty baseline — a not-yet-flushed PENDING agent) and replays the
// most recent stream entries through the reducer. The replay is not
// deduplicated against the row: an event the row already reflects is
// applied to the baseline a second time.
func (g *Gateway) hydrate(ctx context.Context, agentID string) (*agentGatewayState, error) {
	state := &agentGatewayState{subscribers: make(map[int]chan Frame)}

	agent, err := g.store.FindAgentByID(ctx, agentID)
	if err == nil {
		state.snapshot.Status = agent.Status
		unmarshalInto(agent.ConversationHistory, &state.snapshot.Messages)
		unmarshalInto(agent.ToolCalls, &state.snapshot.ToolCalls)
		unmarshalInto(agent.FilesEdited, &state.snapshot.FilesEdited)
	} else if err != store.ErrNotFound {
		return nil, err
	}

	entries, err := g.stream.Range(ctx, pubsub.AgentStreamKey(agentID), "", hydrateReplayCount*2)
	if err != nil {
		g.log.Warn(ctx, "hydrate stream replay failed, using row baseline only", "agent_id", agentID, "error", err)
		return state, nil
	}
	if len(entries) > hydrateReplayCount {
		entries = entries[len(entries)-hydrateReplayCount:]
	}
	for _, entry := range entries {
		var ev pubsub.AgentEvent
		if jsonErr := json.Unmarshal(entry.Data, &ev); jsonErr != nil {
			continue
		}
		Apply(&state.snapshot, ev)
		state.lastStreamID = entry.ID
	}
	return state, nil
}

func unmarshalInto(raw string, v interface{}) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}

// startLiveForward subscribes once (process-wide, per agent) to the
// agent's pub/sub channel, applying every event to the shared snapshot
// and forwarding it to every currently-subscribed socket. Returns a
// function that tears the subscription down.
func (g *Gateway) startLiveForward(agentID string, state *agentGatewayState) func() {
	subCtx, cancel := context.WithCancel(context.Background())
	ch, psCleanup := g.ps.Subscribe(subCtx, pubsub.AgentEventsTopic(agentID))

	go func() {
		for raw := range ch {
			var ev pubsub.AgentEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			state.mu.Lock()
			Apply(&state.snapshot, ev)
			if ev.Type == pubsub.EventStatus || ev.Type == pubsub.EventFinish || ev.Type == pubsub.EventError {
				state.statusDirty = true
			}
			evCopy := ev
			for _, sub := range state.subscribers {
				select {
				case sub <- Frame{Event: &evCopy}:
				default:
				}
			}
			state.mu.Unlock()
		}
	}()

	return func() {
		cancel()
		psCleanup()
	}
}

func (g *Gateway) unsubscribe(agentID string, subID int) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	if !ok {
		g.mu.Unlock()
		return
	}
	state.mu.Lock()
	if ch, ok := state.subscribers[subID]; ok {
		delete(state.subscribers, subID)
		close(ch)
	}
	empty := len(state.subscribers) == 0
	stop := state.stopLive
	state.mu.Unlock()

	if empty {
		delete(g.agents, agentID)
	}
	g.mu.Unlock()

	if empty && stop != nil {
		stop()
	}
}

// SyncOnce closes any pub/sub gaps: for every agent with at least one
// subscriber, replay stream entries after lastStreamID, apply them,
// and re-emit a full snapshot to every subscriber. Callers run this on
// a 1-second ticker.
func (g *Gateway) SyncOnce(ctx context.Context) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.agents))
	for id := range g.agents {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.syncAgent(ctx, id)
	}
}

func (g *Gateway) syncAgent(ctx context.Context, agentID string) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	g.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	if len(state.subscribers) == 0 {
		state.mu.Unlock()
		return
	}
	lastID := state.lastStreamID
	state.mu.Unlock()

	entries, err := g.stream.Range(ctx, pubsub.AgentStreamKey(agentID), lastID, hydrateReplayCount*2)
	if err != nil {
		g.log.Warn(ctx, "periodic sync replay failed", "agent_id", agentID, "error", err)
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	for _, entry := range entries {
		var ev pubsub.AgentEvent
		if jsonErr := json.Unmarshal(entry.Data, &ev); jsonErr != nil {
			continue
		}
		Apply(&state.snapshot, ev)
		state.lastStreamID = entry.ID
		if ev.Type == pubsub.EventStatus || ev.Type == pubsub.EventFinish || ev.Type == pubsub.EventError {
			state.statusDirty = true
		}
	}
	snap := state.snapshot.Clone()
	for _, sub := range state.subscribers {
		select {
		case sub <- Frame{Snapshot: &snap}:
		default:
		}
	}
}

// WritebackOnce persists status back to the store: every agent with a
// pending status change gets its Agent row's status and lastMessageAt
// updated. A missing row drops the in-memory state for that agent.
// Callers run this on a 5-second ticker.
func (g *Gateway) WritebackOnce(ctx context.Context) {
	g.mu.Lock()
	type pending struct {
		id   string
		snap Snapshot
	}
	var dirty []pending
	for id, state := range g.agents {
		state.mu.Lock()
		if state.statusDirty {
			dirty = append(dirty, pending{id: id, snap: state.snapshot.Persistable()})
			state.statusDirty = false
		}
		state.mu.Unlock()
	}
	g.mu.Unlock()

	now := time.Now()
	for _, p := range dirty {
		agent, err := g.store.FindAgentByID(ctx, p.id)
		if err == store.ErrNotFound {
			g.dropAgent(p.id)
			continue
		}
		if err != nil {
			g.log.Warn(ctx, "writeback lookup failed", "agent_id", p.id, "error", err)
			continue
		}
		agent.Status = p.snap.Status
		agent.LastMessageAt = &now
		messages, _ := json.Marshal(p.snap.Messages)
		toolCalls, _ := json.Marshal(p.snap.ToolCalls)
		filesEdited, _ := json.Marshal(p.snap.FilesEdited)
		agent.ConversationHistory = string(messages)
		agent.ToolCalls = string(toolCalls)
		agent.FilesEdited = string(filesEdited)
		if err := g.store.UpdateAgent(ctx, agent); err == store.ErrNotFound {
			g.dropAgent(p.id)
		} else if err != nil {
			g.log.Warn(ctx, "writeback update failed", "agent_id", p.id, "error", err)
		}
	}
}

func (g *Gateway) dropAgent(agentID string) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	if ok {
		delete(g.agents, agentID)
	}
	g.mu.Unlock()
	if ok {
		state.mu.Lock()
		stop := state.stopLive
		for _, ch := range state.subscribers {
			close(ch)
		}
		state.mu.Unlock()
		if stop != nil {
			stop()
		}
	}
}

// Run starts the gateway's periodic sync (1s) and writeback (5s)
// loops; it blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	syncTicker := time.NewTicker(time.Second)
	writebackTicker := time.NewTicker(5 * time.Second)
	defer syncTicker.Stop()
	defer writebackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			g.SyncOnce(ctx)
		case <-writebackTicker.C:
			g.WritebackOnce(ctx)
		}
	}
}
