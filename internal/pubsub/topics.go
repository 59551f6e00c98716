package pubsub

import "fmt"

// Topic constants and helper functions for the Agent Event Bus's
// pub/sub half. Topics follow the Redis key convention
// "agent:{id}:events" for the live pub/sub channel. The stream side
// ("agent:{id}:stream") is addressed through Streamer, not PubSub,
// since it needs XADD/XRANGE semantics this interface doesn't model.

const prefixAgentEvents = "agent"

// AgentEventsTopic returns the pub/sub channel an agent's publisher
// publishes every event to, live, in addition to the durable stream.
// Subscribers receive the same JSON-serialized AgentEvent the stream
// entries carry.
func AgentEventsTopic(agentID string) string {
	return fmt.Sprintf("%s:%s:events", prefixAgentEvents, agentID)
}

// AgentStreamKey returns the Redis stream key an agent's publisher
// appends every event to, trimmed to MAXLEN ~1000.
func AgentStreamKey(agentID string) string {
	return fmt.Sprintf("%s:%s:stream", prefixAgentEvents, agentID)
}
