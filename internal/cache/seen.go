// Package cache содержит кэш обработанных уведомлений в Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "webhook_seen:"

// SeenCache хранит ключи идемпотентности уже обработанных уведомлений.
// Это быстрый путь перед проверкой в БД, источником истины он не является.
type SeenCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSeenCache создаёт кэш обработанных уведомлений с указанным временем жизни записей.
func NewSeenCache(client redis.Cmdable, ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenCache{
		client: client,
		ttl:    ttl,
	}
}

// IsSeen сообщает, отмечено ли уведомление как обработанное.
func (c *SeenCache) IsSeen(ctx context.Context, dedupeKey string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(dedupeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkSeen отмечает уведомление как обработанное.
func (c *SeenCache) MarkSeen(ctx context.Context, dedupeKey string) error {
	if err := c.client.Set(ctx, cacheKey(dedupeKey), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func cacheKey(dedupeKey string) string {
	return keyPrefix + dedupeKey
}
