package lifecycle

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSearch(t *testing.T) (*RedisSearchIndex, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSearchIndex(client), mr
}

func TestSearchIndexUpsert(t *testing.T) {
	s, mr := newTestSearch(t)

	err := s.IndexUpsert(context.Background(), &Record{
		ID:       "bylaw-001",
		Title:    "Noise Bylaw",
		Type:     "bylaw",
		Status:   RecordStatusPublished,
		Path:     "records/bylaw-001.md",
		Author:   "clerk",
		Archived: false,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := mr.HGet("search:record:bylaw-001", "title"); got != "Noise Bylaw" {
		t.Fatalf("title field = %q", got)
	}
	if got := mr.HGet("search:record:bylaw-001", "archived"); got != "false" {
		t.Fatalf("archived field = %q", got)
	}
}

func TestSearchIndexUpsertOverwrites(t *testing.T) {
	s, mr := newTestSearch(t)
	ctx := context.Background()

	if err := s.IndexUpsert(ctx, &Record{ID: "a", Title: "Old", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.IndexUpsert(ctx, &Record{ID: "a", Title: "New", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got := mr.HGet("search:record:a", "title"); got != "New" {
		t.Fatalf("title = %q, want New", got)
	}
}

func TestSearchIndexRemove(t *testing.T) {
	s, mr := newTestSearch(t)
	ctx := context.Background()

	if err := s.IndexUpsert(ctx, &Record{ID: "a", Title: "T"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.IndexRemove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mr.Exists("search:record:a") {
		t.Fatal("key still present after remove")
	}
	// 删除不存在的键不算错
	if err := s.IndexRemove(ctx, "a"); err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
}
