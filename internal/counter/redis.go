package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fileboxlabs/gateway/internal/storage"
)

// RedisStore is the shared backend. Counts live in Redis with a TTL equal to
// the window, so multiple gateway instances agree on counts and stale entries
// self-expire.
type RedisStore struct {
	redis *storage.RedisClient

	// Managed Redis deployments may block SCAN. When false, Keys and
	// DeleteAll report ErrCapabilityUnavailable.
	canScan bool
}

func NewRedisStore(redis *storage.RedisClient, canScan bool) *RedisStore {
	return &RedisStore{
		redis:   redis,
		canScan: canScan,
	}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	pipe := s.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	count := incr.Val()
	ttl := ttlCmd.Val()

	// First hit in the window gets the TTL. A negative TTL on a later hit
	// means a previous caller died between INCR and PEXPIRE; re-arm it so
	// the key cannot live forever.
	if count == 1 || ttl < 0 {
		if err := s.redis.PExpire(ctx, key, window); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		ttl = window
	}

	return count, time.Now().Add(ttl), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	pipe := s.redis.Pipeline()
	get := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if get.Err() == redis.Nil {
		return nil, nil
	}

	count, err := strconv.ParseInt(get.Val(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt counter value for %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	return &Entry{
		Count:   count,
		ResetAt: time.Now().Add(ttl),
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if _, err := s.redis.Del(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !s.canScan {
		return nil, ErrCapabilityUnavailable
	}

	var keys []string
	iter := s.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return keys, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := s.redis.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return deleted, nil
}
