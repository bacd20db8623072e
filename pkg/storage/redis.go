package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addresses   []string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	ClusterMode bool
}

// NewRedisClient creates a standalone or cluster client from cfg
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no redis addresses configured")
	}

	if cfg.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.Addresses,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		}), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addresses[0],
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	}), nil
}

// RedisStore is a Store shared across gateway replicas
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	closed    atomic.Bool
}

// NewRedisStore wraps client; keys are namespaced with keyPrefix
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) key(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + ":" + key
}

// Get retrieves a value by key
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores a value; a zero ttl never expires
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close marks the store closed; the client is owned by the caller
func (r *RedisStore) Close() error {
	r.closed.Store(true)
	return nil
}
