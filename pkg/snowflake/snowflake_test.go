package snowflake

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(0); err != nil {
		t.Fatalf("expected worker 0 to be valid, got %v", err)
	}
}

func TestNextIDMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	prev := int64(0)
	for i := 0; i < 10000; i++ {
		id, err := g.NextID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id <= prev {
			t.Fatalf("expected monotonic ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestParseRoundTrip(t *testing.T) {
	g, _ := New(42)
	before := time.Now().UnixMilli()
	id := g.MustNextID()
	after := time.Now().UnixMilli()

	ts, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("expected workerID=42, got %d", workerID)
	}
	if ts < before || ts > after {
		t.Fatalf("expected timestamp between %d and %d, got %d", before, after, ts)
	}

	if got := Time(id).UnixMilli(); got != ts {
		t.Fatalf("expected Time to match Parse, got %d vs %d", got, ts)
	}
}
