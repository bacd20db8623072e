package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrNotFound is returned when a key is absent or expired
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("storage closed")
)

// Store is a byte-oriented cache with per-key expiry
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetObject reads key and decodes it into v.
func GetObject(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetObject encodes v and stores it under key.
func SetObject(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// TxKey is the cache key of a confirmed transaction
func TxKey(txid string) string {
	return "tx:" + txid
}

// TraceKey is the cache key of a transaction's internal transfers
func TraceKey(txid string) string {
	return "trace:" + txid
}
