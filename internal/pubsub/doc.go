// Package pubsub is the transport layer the Agent Event Bus is built
// on: a small publish/subscribe interface with in-memory and Redis
// implementations, plus a Streamer for the durable, id-ordered,
// capacity-bounded log each agent's events are also appended to.
//
// # Architecture
//
// ```
// ┌─────────────┐     ┌─────────────┐     ┌─────────────┐
// │  Publisher  │     │   Redis     │     │   Gateway   │
// │ (in-agent-  │────▶│ stream +    │────▶│ (fan-out to │
// │  container) │     │ pub/sub     │     │  browsers)  │
// └─────────────┘     └─────────────┘     └─────────────┘
// ```
//
// This control plane has one event family: AgentEvent, the tagged
// union events.go defines; topics.go holds only the agent pub/sub
// channel key. internal/agentbus is where the publisher, gateway, and
// snapshot reducer live.
//
// # Usage
//
// Initialize transport:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	ps := pubsub.NewRedisPubSub(redisClient)
//	stream := pubsub.NewRedisStreamer(redisClient)
//
// Publish an event (done by internal/agentbus.Publisher, not callers
// directly):
//
//	stream.Append(ctx, pubsub.AgentStreamKey(agentID), event, 1000)
//	ps.Publish(ctx, pubsub.AgentEventsTopic(agentID), event)
//
// Subscribe (done by internal/agentbus.Gateway):
//
//	ch, unsub := ps.Subscribe(ctx, pubsub.AgentEventsTopic(agentID))
//	defer unsub()
//	for msg := range ch {
//		var event pubsub.AgentEvent
//		json.Unmarshal(msg, &event)
//		// apply to snapshot, forward to room
//	}
package pubsub
