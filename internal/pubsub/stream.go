package pubsub

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one durable entry in an agent's event stream: an
// opaque, monotonically increasing ID (a Redis stream ID, or its
// in-memory equivalent) plus the JSON-serialized event body under the
// "data" field.
type StreamEntry struct {
	ID   string
	Data []byte
}

// Streamer is the durable, capacity-bounded, id-ordered append log
// behind each agent's Redis stream. Distinct from PubSub because
// streams need MAXLEN trimming and range replay by id, which a plain
// publish/subscribe channel interface doesn't model.
type Streamer interface {
	// Append adds payload to key's stream, trimming to approximately
	// maxLen entries, and returns the new entry's id.
	Append(ctx context.Context, key string, payload interface{}, maxLen int64) (string, error)

	// Range returns every entry in key's stream with id greater than
	// afterID (empty afterID means from the beginning), in ascending
	// order. Used for both startup hydration (replay last 500) and the
	// gateway's periodic gap-closing sync (replay since lastStreamId).
	Range(ctx context.Context, key string, afterID string, count int64) ([]StreamEntry, error)
}

// RedisStreamer implements Streamer over a Redis XADD/XRANGE-capable
// client, following this package's RedisPubSub wrapper style but
// applied to the stream half of the Redis API instead of the channel
// half.
type RedisStreamer struct {
	client *redis.Client
}

func NewRedisStreamer(client *redis.Client) *RedisStreamer {
	return &RedisStreamer{client: client}
}

func (s *RedisStreamer) Append(ctx context.Context, key string, payload interface{}, maxLen int64) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStreamer) Range(ctx context.Context, key string, afterID string, count int64) ([]StreamEntry, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	res, err := s.client.XRangeN(ctx, key, start, "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, 0, len(res))
	for _, msg := range res {
		data, _ := msg.Values["data"].(string)
		out = append(out, StreamEntry{ID: msg.ID, Data: []byte(data)})
	}
	return out, nil
}

// MemoryStreamer implements Streamer entirely in-process, for unit
// tests and single-instance deployments without Redis, mirroring this
// package's MemoryPubSub counterpart.
type MemoryStreamer struct {
	mu      sync.Mutex
	streams map[string][]StreamEntry
	seq     map[string]int64
}

func NewMemoryStreamer() *MemoryStreamer {
	return &MemoryStreamer{streams: make(map[string][]StreamEntry), seq: make(map[string]int64)}
}

func (s *MemoryStreamer) Append(ctx context.Context, key string, payload interface{}, maxLen int64) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[key]++
	id := strconv.FormatInt(s.seq[key], 10) + "-0"
	s.streams[key] = append(s.streams[key], StreamEntry{ID: id, Data: data})
	if maxLen > 0 && int64(len(s.streams[key])) > maxLen {
		s.streams[key] = s.streams[key][int64(len(s.streams[key]))-maxLen:]
	}
	return id, nil
}

func (s *MemoryStreamer) Range(ctx context.Context, key string, afterID string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.streams[key]
	afterSeq := int64(0)
	if afterID != "" {
		afterSeq = parseMemSeq(afterID)
	}
	out := make([]StreamEntry, 0, len(all))
	for _, e := range all {
		if parseMemSeq(e.ID) > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return parseMemSeq(out[i].ID) < parseMemSeq(out[j].ID) })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func parseMemSeq(id string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSuffix(id, "-0"), 10, 64)
	return n
}
