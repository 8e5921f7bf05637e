package service

import (
	"context"
	"sync"
	"time"
)

// ProjectionCacheStore caches encoded public keysystem projections. Entries
// are keyed by invalidation epochs, so invalidating bumps an epoch instead of
// deleting keys.
type ProjectionCacheStore interface {
	Get(ctx context.Context, keysystemID string) ([]byte, bool, error)
	Set(ctx context.Context, keysystemID string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keysystemID string) error
	InvalidateAll(ctx context.Context) error
}

type NoopProjectionCacheStore struct{}

func NewNoopProjectionCacheStore() *NoopProjectionCacheStore { return &NoopProjectionCacheStore{} }

func (s *NoopProjectionCacheStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *NoopProjectionCacheStore) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (s *NoopProjectionCacheStore) Invalidate(context.Context, string) error { return nil }

func (s *NoopProjectionCacheStore) InvalidateAll(context.Context) error { return nil }

type projectionCacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

type InMemoryProjectionCacheStore struct {
	mu          sync.RWMutex
	data        map[string]projectionCacheEntry
	globalEpoch uint64
	epochs      map[string]uint64
}

func NewInMemoryProjectionCacheStore() *InMemoryProjectionCacheStore {
	return &InMemoryProjectionCacheStore{
		data:   make(map[string]projectionCacheEntry),
		epochs: make(map[string]uint64),
	}
}

func (s *InMemoryProjectionCacheStore) Get(_ context.Context, keysystemID string) ([]byte, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	key := s.cacheKeyLocked(keysystemID)
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

func (s *InMemoryProjectionCacheStore) Set(_ context.Context, keysystemID string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.cacheKeyLocked(keysystemID)] = projectionCacheEntry{
		payload:   append([]byte(nil), payload...),
		expiresAt: time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryProjectionCacheStore) Invalidate(_ context.Context, keysystemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[keysystemID]++
	return nil
}

func (s *InMemoryProjectionCacheStore) InvalidateAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

func (s *InMemoryProjectionCacheStore) cacheKeyLocked(keysystemID string) string {
	return buildProjectionCacheKey(s.globalEpoch, s.epochs[keysystemID], keysystemID)
}
