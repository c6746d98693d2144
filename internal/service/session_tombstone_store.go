package service

import (
	"context"
	"sync"
	"time"
)

// SessionTombstoneStore remembers session ids that are permanently gone
// (expired, deleted or never existed) so repeated lookups skip the store.
type SessionTombstoneStore interface {
	Has(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, ttl time.Duration, ids ...string) error
}

type NoopSessionTombstoneStore struct{}

func NewNoopSessionTombstoneStore() *NoopSessionTombstoneStore {
	return &NoopSessionTombstoneStore{}
}

func (s *NoopSessionTombstoneStore) Has(context.Context, string) (bool, error) {
	return false, nil
}

func (s *NoopSessionTombstoneStore) Put(context.Context, time.Duration, ...string) error {
	return nil
}

type InMemorySessionTombstoneStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
}

func NewInMemorySessionTombstoneStore() *InMemorySessionTombstoneStore {
	return &InMemorySessionTombstoneStore{store: make(map[string]time.Time)}
}

func (s *InMemorySessionTombstoneStore) Has(_ context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	expiresAt, ok := s.store[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		s.mu.Lock()
		delete(s.store, id)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (s *InMemorySessionTombstoneStore) Put(_ context.Context, ttl time.Duration, ids ...string) error {
	if ttl <= 0 {
		return nil
	}
	expiresAt := time.Now().UTC().Add(ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.store[id] = expiresAt
	}
	return nil
}
