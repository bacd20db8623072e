package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps entries in process memory with expiry and a size bound
type MemoryStore struct {
	cache  *ttlcache.Cache[string, []byte]
	closed atomic.Bool
}

// NewMemoryStore creates an in-memory store holding at most capacity items
func NewMemoryStore(capacity uint64, defaultTTL time.Duration) *MemoryStore {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](defaultTTL),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}

	cache := ttlcache.New[string, []byte](opts...)
	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	item := m.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

// Set stores a value; a zero ttl uses the store default
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.cache.Set(key, value, ttl)
	return nil
}

// Delete removes a key
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.cache.Delete(key)
	return nil
}

// Len returns the number of live entries
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

// Close stops the expiry loop
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cache.Stop()
	return nil
}
