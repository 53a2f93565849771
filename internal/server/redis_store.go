package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisStore keeps fixed-window counters in Redis so that every replica sees
// the same handshake budget for a client.
type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisStore(client redis.UniversalClient, prefix string) *redisStore {
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	fullKey := s.prefix + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", fullKey, err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", fullKey, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", fullKey, err)
	}
	if ttl <= 0 {
		// The key lost its expiry; restore it so the client is not locked out.
		_ = s.client.PExpire(ctx, fullKey, window).Err()
		return false, window, nil
	}
	return false, ttl, nil
}
