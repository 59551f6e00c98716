// Package agentbus implements the Agent Event Bus's two halves: the
// in-container Publisher that republishes a model client's chunk stream
// as AgentEvents onto Redis, and the host-side Gateway that hydrates
// browser subscribers from history, forwards live events, periodically
// closes pub/sub gaps from the durable stream, and reconciles status
// back to the state store.
//
// Both halves share Apply (reducer.go), the total function over
// (Snapshot, AgentEvent) — the one place "what does this event do to
// the agent's visible state" is defined, so Publisher-side tests and
// Gateway-side tests exercise identical semantics.
//
// Grounded on internal/pubsub (transport: PubSub channels + Streamer
// streams) for the wire-level plumbing, and on a goroutine-safe
// registry pattern for the overall shape of a component that owns
// process-wide in-memory state keyed by id with idle-state cleanup on
// disconnect.
package agentbus
