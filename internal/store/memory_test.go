package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

func TestMemoryStoreCreateGetUpdate(t *testing.T) {
	s := NewMemoryStore()
	state := testState()

	if err := s.Create(context.Background(), state); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 写入后改调用方副本不应影响存储
	state.Status = saga.StatusFailed
	got, err := s.GetByID(context.Background(), state.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusExecuting {
		t.Fatalf("expected stored status executing, got %s", got.Status)
	}

	state.Status = saga.StatusCompleted
	if err := s.Update(context.Background(), state); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetByID(context.Background(), state.SagaID)
	if got.Status != saga.StatusCompleted {
		t.Fatalf("expected updated status completed, got %s", got.Status)
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Update(context.Background(), testState()); !errors.Is(err, saga.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}
}

func TestMemoryStoreListStuck(t *testing.T) {
	s := NewMemoryStore()

	fresh := testState()
	fresh.SagaID = 1

	stuck := testState()
	stuck.SagaID = 2
	stuck.UpdatedAtMs = time.Now().Add(-10 * time.Minute).UnixMilli()

	terminal := testState()
	terminal.SagaID = 3
	terminal.Status = saga.StatusCompleted
	terminal.UpdatedAtMs = stuck.UpdatedAtMs

	for _, state := range []*saga.State{fresh, stuck, terminal} {
		if err := s.Create(context.Background(), state); err != nil {
			t.Fatalf("create %d: %v", state.SagaID, err)
		}
	}

	states, err := s.ListStuck(context.Background(), 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(states) != 1 || states[0].SagaID != 2 {
		t.Fatalf("expected only saga 2 stuck, got %+v", states)
	}
}

func TestMemoryStoreCountByStatus(t *testing.T) {
	s := NewMemoryStore()
	a := testState()
	a.SagaID = 1
	b := testState()
	b.SagaID = 2
	b.Status = saga.StatusCompleted
	c := testState()
	c.SagaID = 3
	c.Status = saga.StatusCompleted

	for _, state := range []*saga.State{a, b, c} {
		if err := s.Create(context.Background(), state); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[saga.StatusExecuting] != 1 || counts[saga.StatusCompleted] != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
