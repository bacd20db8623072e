package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/0xmhha/coinstack-go/internal/constants"
)

// expiryHeaderSize prefixes every stored value with its expiry (unix nanos, 0 = never)
const expiryHeaderSize = 8

// PebbleConfig holds pebble store configuration
type PebbleConfig struct {
	Path         string
	CacheSizeMB  int
	MaxOpenFiles int
}

// PebbleStore is a disk-backed Store for data that survives restarts
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
	now    func() time.Time
}

// NewPebbleStore opens (or creates) a pebble database at cfg.Path
func NewPebbleStore(cfg *PebbleConfig) (*PebbleStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("pebble path is required")
	}
	if cfg.CacheSizeMB == 0 {
		cfg.CacheSizeMB = constants.DefaultPebbleCacheSize
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = constants.DefaultPebbleMaxOpenFiles
	}

	cache := pebble.NewCache(int64(cfg.CacheSizeMB) << 20)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: cfg.MaxOpenFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves a value by key, treating expired entries as missing
func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	if len(value) < expiryHeaderSize {
		return nil, fmt.Errorf("corrupt entry %s", key)
	}
	if expiry := int64(binary.BigEndian.Uint64(value[:expiryHeaderSize])); expiry != 0 && s.now().UnixNano() > expiry {
		_ = s.db.Delete([]byte(key), pebble.NoSync)
		return nil, ErrNotFound
	}

	// Copy the value as it's only valid until closer.Close()
	result := make([]byte, len(value)-expiryHeaderSize)
	copy(result, value[expiryHeaderSize:])
	return result, nil
}

// Set stores a value; a zero ttl never expires
func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	var expiry int64
	if ttl > 0 {
		expiry = s.now().Add(ttl).UnixNano()
	}
	buf := make([]byte, expiryHeaderSize+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiry))
	copy(buf[expiryHeaderSize:], value)

	return s.db.Set([]byte(key), buf, pebble.Sync)
}

// Delete removes a key
func (s *PebbleStore) Delete(_ context.Context, key string) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Close closes the database
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
