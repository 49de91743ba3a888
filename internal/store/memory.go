package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

// MemoryStore 进程内状态存储，用于测试和单进程部署
type MemoryStore struct {
	mu     sync.RWMutex
	states map[int64]*saga.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[int64]*saga.State)}
}

func cloneState(state *saga.State) *saga.State {
	cp := *state
	cp.CompletedSteps = append([]saga.CompletedStep(nil), state.CompletedSteps...)
	if state.Error != nil {
		e := *state.Error
		cp.Error = &e
	}
	if state.Context.Metadata != nil {
		md := make(map[string]string, len(state.Context.Metadata))
		for k, v := range state.Context.Metadata {
			md[k] = v
		}
		cp.Context.Metadata = md
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SagaID] = cloneState(state)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.SagaID]; !ok {
		return saga.ErrStateNotFound
	}
	s.states[state.SagaID] = cloneState(state)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, sagaID int64) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sagaID]
	if !ok {
		return nil, saga.ErrStateNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) ([]*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*saga.State
	for _, state := range s.states {
		if state.CorrelationID == correlationID {
			out = append(out, cloneState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status saga.Status, limit int) ([]*saga.State, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*saga.State
	for _, state := range s.states {
		if state.Status == status {
			out = append(out, cloneState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStuck(_ context.Context, olderThan time.Duration, limit int) ([]*saga.State, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*saga.State
	for _, state := range s.states {
		if state.Status == saga.StatusExecuting && state.UpdatedAtMs < cutoff {
			out = append(out, cloneState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs < out[j].UpdatedAtMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(context.Context) (map[saga.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[saga.Status]int64)
	for _, state := range s.states {
		counts[state.Status]++
	}
	return counts, nil
}
