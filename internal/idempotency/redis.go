// Package idempotency 幂等键去重：同键的重复提交返回缓存的终态结果
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

const keyPrefix = "saga:idem:"

// RedisManager 基于 Redis 的幂等缓存，记录以 JSON 存储并由 TTL 自然过期
type RedisManager struct {
	client *redis.Client
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (m *RedisManager) Check(ctx context.Context, key string) (*saga.IdempotencyRecord, bool, error) {
	data, err := m.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency record: %w", err)
	}
	var rec saga.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, true, nil
}

func (m *RedisManager) Store(ctx context.Context, record *saga.IdempotencyRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := m.client.Set(ctx, keyPrefix+record.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// ExpireOld Redis 的键自带 TTL，这里无事可做，返回 0 保持接口一致
func (m *RedisManager) ExpireOld(context.Context) (int, error) {
	return 0, nil
}
