package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore handles interactions with Redis for caching and counters.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{client: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetContentHash caches the hash of the latest capture of a page so the next
// check can classify an unchanged page without normalizing and diffing it.
func (s *RedisStore) SetContentHash(ctx context.Context, websiteID, url, hash string, ttl time.Duration) error {
	key := fmt.Sprintf("contenthash:%s:%s", websiteID, url)
	return s.client.Set(ctx, key, hash, ttl).Err()
}

// GetContentHash returns the cached hash, or "" on a miss.
func (s *RedisStore) GetContentHash(ctx context.Context, websiteID, url string) (string, error) {
	key := fmt.Sprintf("contenthash:%s:%s", websiteID, url)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// IncrementDeliveryAttempts counts webhook delivery failures per alert so the
// delivery retry policy can cap itself.
func (s *RedisStore) IncrementDeliveryAttempts(ctx context.Context, alertID string) (int64, error) {
	key := fmt.Sprintf("delivery:%s", alertID)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Set an expiration on the counter so it doesn't live forever
	s.client.Expire(ctx, key, 24*time.Hour)
	return count, nil
}
