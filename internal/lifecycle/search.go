package lifecycle

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const searchKeyPrefix = "search:record:"

// RedisSearchIndex 基于 Redis hash 的检索索引。
// 辅助存储，允许短暂落后于关系索引。
type RedisSearchIndex struct {
	client *redis.Client
}

func NewRedisSearchIndex(client *redis.Client) *RedisSearchIndex {
	return &RedisSearchIndex{client: client}
}

func (s *RedisSearchIndex) IndexUpsert(ctx context.Context, rec *Record) error {
	fields := map[string]interface{}{
		"title":    rec.Title,
		"type":     rec.Type,
		"status":   rec.Status,
		"path":     rec.Path,
		"author":   rec.Author,
		"archived": strconv.FormatBool(rec.Archived),
	}
	if err := s.client.HSet(ctx, searchKeyPrefix+rec.ID, fields).Err(); err != nil {
		return fmt.Errorf("search index upsert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisSearchIndex) IndexRemove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, searchKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("search index remove %s: %w", id, err)
	}
	return nil
}
