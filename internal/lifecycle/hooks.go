package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HookEnvelope 发布到 hook 总线的消息封皮
type HookEnvelope struct {
	Event       string      `json:"event"`
	Payload     interface{} `json:"payload"`
	TimestampMs int64       `json:"timestampMs"`
}

// RedisHookBus 通过 Redis pub/sub 发布 hook 事件。
// 发布是尽力而为：没有订阅者时消息即丢，调用方不重试。
type RedisHookBus struct {
	client  *redis.Client
	channel string
}

func NewRedisHookBus(client *redis.Client, channel string) *RedisHookBus {
	if channel == "" {
		channel = "civicpress:hooks"
	}
	return &RedisHookBus{client: client, channel: channel}
}

func (b *RedisHookBus) Emit(ctx context.Context, eventName string, payload interface{}) error {
	envelope := HookEnvelope{
		Event:       eventName,
		Payload:     payload,
		TimestampMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal hook event %s: %w", eventName, err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish hook event %s: %w", eventName, err)
	}
	return nil
}
