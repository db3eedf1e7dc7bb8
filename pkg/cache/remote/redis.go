package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps bundles as Redis string values. Put uses SETNX so an
// existing key is never replaced.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

// NewRedisStore connects to cfg.Address and verifies it with PING
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, cfg Config) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "spectre:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, cfg: cfg}
}

func (s *RedisStore) Name() string {
	return "redis://" + s.cfg.Address + "/" + s.prefix
}

func isRedisNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if isRedisNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.SetNX(ctx, s.prefix+key, data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}
