package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const recentKeyPrefix = "subsync:recent:"

// RecentKeys remembers recently seen keys for a short TTL. It only
// short-circuits lookups; uniqueness is enforced by the database.
type RecentKeys struct {
	client *redis.Client
}

func NewRecentKeys(client *redis.Client) *RecentKeys {
	if client == nil {
		return nil
	}
	return &RecentKeys{client: client}
}

func (r *RecentKeys) Seen(ctx context.Context, key string) bool {
	if r == nil || key == "" {
		return false
	}
	n, err := r.client.Exists(ctx, recentKeyPrefix+key).Result()
	return err == nil && n > 0
}

func (r *RecentKeys) Remember(ctx context.Context, key string, ttl time.Duration) {
	if r == nil || key == "" || ttl <= 0 {
		return
	}
	_ = r.client.Set(ctx, recentKeyPrefix+key, 1, ttl).Err()
}
