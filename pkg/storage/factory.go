package storage

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config selects and configures a Store backend
type Config struct {
	// Backend is one of "none", "memory", "pebble", "redis"
	Backend  string
	TTL      time.Duration
	Capacity uint64
	Path     string
	// KeyPrefix namespaces redis keys
	KeyPrefix string
}

// NewStore builds the configured backend. It returns a nil Store for "none".
// redisClient is only used by the redis backend.
func NewStore(cfg *Config, redisClient redis.UniversalClient) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(cfg.Capacity, cfg.TTL), nil
	case "pebble":
		store, err := NewPebbleStore(&PebbleConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(redisClient, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
