package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

type memoryEntry struct {
	record    *saga.IdempotencyRecord
	expiresAt time.Time
}

// MemoryManager 进程内幂等缓存，过期条目由 ExpireOld 清扫
type MemoryManager struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{entries: make(map[string]memoryEntry)}
}

func (m *MemoryManager) Check(_ context.Context, key string) (*saga.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	rec := *entry.record
	return &rec, true, nil
}

func (m *MemoryManager) Store(_ context.Context, record *saga.IdempotencyRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *record
	m.entries[record.Key] = memoryEntry{record: &rec, expiresAt: time.Now().Add(ttl)}
	return nil
}

// ExpireOld 移除已过期的条目，返回移除数量
func (m *MemoryManager) ExpireOld(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}
