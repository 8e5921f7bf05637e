package service

import (
	"context"
	"sync"
	"time"
)

const (
	negativeNamespaceKeysystem = "keysystem.not_found"
	negativeNamespaceKeyPrefix = "key.not_found:"
)

func keyNegativeNamespace(keysystemID string) string {
	return negativeNamespaceKeyPrefix + keysystemID
}

// NegativeLookupCacheStore remembers lookups that found nothing so repeated
// probes for unknown identifiers skip the database.
type NegativeLookupCacheStore interface {
	Get(ctx context.Context, namespace, key string) (bool, error)
	Set(ctx context.Context, namespace, key string, ttl time.Duration) error
	// Forget drops one entry, used when the identifier comes into existence.
	Forget(ctx context.Context, namespace, key string) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type NoopNegativeLookupCacheStore struct{}

func NewNoopNegativeLookupCacheStore() *NoopNegativeLookupCacheStore {
	return &NoopNegativeLookupCacheStore{}
}

func (NoopNegativeLookupCacheStore) Get(context.Context, string, string) (bool, error) {
	return false, nil
}

func (NoopNegativeLookupCacheStore) Set(context.Context, string, string, time.Duration) error {
	return nil
}

func (NoopNegativeLookupCacheStore) Forget(context.Context, string, string) error {
	return nil
}

func (NoopNegativeLookupCacheStore) InvalidateNamespace(context.Context, string) error {
	return nil
}

type InMemoryNegativeLookupCacheStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]map[string]time.Time
}

func NewInMemoryNegativeLookupCacheStore() *InMemoryNegativeLookupCacheStore {
	return &InMemoryNegativeLookupCacheStore{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]map[string]time.Time),
	}
}

func (s *InMemoryNegativeLookupCacheStore) Get(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[namespace][key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		s.forgetLocked(namespace, key)
		return false, nil
	}
	return true, nil
}

func (s *InMemoryNegativeLookupCacheStore) Set(_ context.Context, namespace, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.entries[namespace]
	if !ok {
		ns = make(map[string]time.Time)
		s.entries[namespace] = ns
	}
	ns[key] = s.now().Add(ttl)
	return nil
}

func (s *InMemoryNegativeLookupCacheStore) Forget(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(namespace, key)
	return nil
}

func (s *InMemoryNegativeLookupCacheStore) forgetLocked(namespace, key string) {
	ns, ok := s.entries[namespace]
	if !ok {
		return
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.entries, namespace)
	}
}

func (s *InMemoryNegativeLookupCacheStore) InvalidateNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, namespace)
	return nil
}
