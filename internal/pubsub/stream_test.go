package pubsub

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryStreamerAppendAndRange(t *testing.T) {
	s := NewMemoryStreamer()
	ctx := context.Background()

	id1, err := s.Append(ctx, "k", map[string]string{"v": "one"}, 1000)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id2, err := s.Append(ctx, "k", map[string]string{"v": "two"}, 1000)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %q twice", id1)
	}

	all, err := s.Range(ctx, "k", "", 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Range returned %d entries, want 2", len(all))
	}

	after, err := s.Range(ctx, "k", id1, 100)
	if err != nil {
		t.Fatalf("Range after id1: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("Range after id1 returned %d entries, want 1", len(after))
	}
	var v map[string]string
	if err := json.Unmarshal(after[0].Data, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v["v"] != "two" {
		t.Fatalf("v = %q, want two", v["v"])
	}
}

func TestMemoryStreamerTrimsToMaxLen(t *testing.T) {
	s := NewMemoryStreamer()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, "k", i, 3); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	all, err := s.Range(ctx, "k", "", 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3 after trimming", len(all))
	}
	var last int
	if err := json.Unmarshal(all[len(all)-1].Data, &last); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if last != 9 {
		t.Fatalf("last entry = %d, want 9", last)
	}
}
