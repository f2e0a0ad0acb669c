package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces dedupe keys in a shared Redis.
const KeyPrefix = "eventdedup:seen:"

// RedisClient is the part of *redis.Client the store needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares seen ids between worker replicas.
type RedisStore struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client RedisClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// ConnectRedis parses url (redis://... or a bare host:port), pings the server
// and returns the client.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Claim sets the id key with SETNX. Only the replica whose SETNX created the
// key gets true.
func (s *RedisStore) Claim(ctx context.Context, id string) (bool, error) {
	created, err := s.client.SetNX(ctx, KeyPrefix+id, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return created, nil
}

// Release deletes the id key.
func (s *RedisStore) Release(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
