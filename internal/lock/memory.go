package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	sagaID     int64
	acquiredAt time.Time
}

// MemoryLockManager 进程内锁实现，用于测试和单进程部署
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	ttl   time.Duration
}

func NewMemoryLockManager(ttl time.Duration) *MemoryLockManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryLockManager{locks: make(map[string]memoryLock), ttl: ttl}
}

func (m *MemoryLockManager) TryAcquire(ctx context.Context, resourceKey string, sagaID int64, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		if m.tryAcquireOnce(resourceKey, sagaID) {
			return true, nil
		}
		if time.Now().Add(10 * time.Millisecond).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *MemoryLockManager) tryAcquireOnce(resourceKey string, sagaID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[resourceKey]; ok {
		// TTL 过期视同已释放
		if time.Since(held.acquiredAt) < m.ttl {
			return false
		}
	}
	m.locks[resourceKey] = memoryLock{sagaID: sagaID, acquiredAt: time.Now()}
	return true
}

// Refresh 重置 sagaID 持有的锁的获取时间，非持有者调用不生效
func (m *MemoryLockManager) Refresh(_ context.Context, resourceKey string, sagaID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[resourceKey]; ok && held.sagaID == sagaID {
		m.locks[resourceKey] = memoryLock{sagaID: sagaID, acquiredAt: time.Now()}
	}
	return nil
}

func (m *MemoryLockManager) Release(_ context.Context, resourceKey string, sagaID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[resourceKey]; ok && held.sagaID == sagaID {
		delete(m.locks, resourceKey)
	}
	return nil
}

func (m *MemoryLockManager) ForceReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for key, held := range m.locks {
		if time.Since(held.acquiredAt) > olderThan {
			delete(m.locks, key)
			released++
		}
	}
	return released, nil
}
