package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cellar/internal/domain"
)

// RedisStore keeps snapshots in Redis. Each snapshot is limited to maxBytes
// and expires after ttl without writes.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	maxBytes int
	ttl      time.Duration
}

// NewRedisStore wraps client. maxBytes <= 0 disables the size limit.
func NewRedisStore(client redis.UniversalClient, prefix string, maxBytes int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, maxBytes: maxBytes, ttl: ttl}
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if s.maxBytes > 0 && len(value) > s.maxBytes {
		return &domain.QuotaExceededError{Key: key, Size: len(value), Available: s.maxBytes}
	}
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		if strings.HasPrefix(err.Error(), "OOM") {
			return &domain.QuotaExceededError{Key: key, Size: len(value)}
		}
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
