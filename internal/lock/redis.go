// Package lock 资源锁管理：按逻辑资源键互斥并发 saga
package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "saga:lock:"

// releaseScript 仅释放自己持有的锁（值前缀为本 saga 的 ID）
const releaseScript = `
	local value = redis.call("get", KEYS[1])
	if value and string.sub(value, 1, string.len(ARGV[1])) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// refreshScript 仅给自己持有的锁续期，同时刷新值里的时间戳，
// 让陈旧扫描看到持有者仍然活跃
const refreshScript = `
	local value = redis.call("get", KEYS[1])
	if value and string.sub(value, 1, string.len(ARGV[1])) == ARGV[1] then
		redis.call("set", KEYS[1], ARGV[2])
		return redis.call("pexpire", KEYS[1], ARGV[3])
	else
		return 0
	end
`

// RedisLockManager 基于 SET NX 的分布式资源锁。
// 锁值为 "<sagaId>:<lastRenewedAtMs>"，释放和续期时按前缀比对持有者，
// 陈旧扫描时从值里解析最近一次续期时间。锁自带 TTL，崩溃持有者最终过期。
type RedisLockManager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLockManager(client *redis.Client, ttl time.Duration) *RedisLockManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLockManager{client: client, ttl: ttl}
}

// TryAcquire 尝试获取锁。被占用时在 wait 窗口内短轮询，
// 等不到就快速失败，把是否重试的决定留给调用方。
func (m *RedisLockManager) TryAcquire(ctx context.Context, resourceKey string, sagaID int64, wait time.Duration) (bool, error) {
	value := lockValue(sagaID, time.Now())
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, keyPrefix+resourceKey, value, m.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", resourceKey, err)
		}
		if ok {
			return true, nil
		}
		if time.Now().Add(50 * time.Millisecond).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Refresh 给 sagaID 持有的锁续期，非持有者调用不生效
func (m *RedisLockManager) Refresh(ctx context.Context, resourceKey string, sagaID int64) error {
	holder := strconv.FormatInt(sagaID, 10) + ":"
	value := lockValue(sagaID, time.Now())
	err := m.client.Eval(ctx, refreshScript, []string{keyPrefix + resourceKey}, holder, value, m.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("refresh lock %s: %w", resourceKey, err)
	}
	return nil
}

// Release 释放锁，仅当持有者是 sagaID 时生效
func (m *RedisLockManager) Release(ctx context.Context, resourceKey string, sagaID int64) error {
	holder := strconv.FormatInt(sagaID, 10) + ":"
	err := m.client.Eval(ctx, releaseScript, []string{keyPrefix + resourceKey}, holder).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", resourceKey, err)
	}
	return nil
}

// ForceReleaseStale 释放持有超过 olderThan 的锁，返回释放数量。
// 恢复器用它打破崩溃 saga 留下的锁。
func (m *RedisLockManager) ForceReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	released := 0

	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := m.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // 已过期
		}
		if err != nil {
			return released, fmt.Errorf("inspect lock %s: %w", key, err)
		}
		acquiredAt, ok := parseAcquiredAt(value)
		if !ok || acquiredAt >= cutoff {
			continue
		}
		deleted, err := m.client.Del(ctx, key).Result()
		if err != nil {
			return released, fmt.Errorf("force release lock %s: %w", key, err)
		}
		released += int(deleted)
	}
	if err := iter.Err(); err != nil {
		return released, fmt.Errorf("scan locks: %w", err)
	}
	return released, nil
}

func lockValue(sagaID int64, acquiredAt time.Time) string {
	return strconv.FormatInt(sagaID, 10) + ":" + strconv.FormatInt(acquiredAt.UnixMilli(), 10)
}

func parseAcquiredAt(value string) (int64, bool) {
	idx := strings.LastIndexByte(value, ':')
	if idx < 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
