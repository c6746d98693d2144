package service

import (
	"context"
	"sync"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
)

// SessionCacheStore is an advisory read-through cache of session records.
// Entries may vanish at any time; callers fall back to the store.
type SessionCacheStore interface {
	Get(ctx context.Context, id string) (*domain.Session, bool, error)
	Set(ctx context.Context, s *domain.Session, ttl time.Duration) error
	Delete(ctx context.Context, ids ...string) error
}

type NoopSessionCacheStore struct{}

func NewNoopSessionCacheStore() *NoopSessionCacheStore {
	return &NoopSessionCacheStore{}
}

func (s *NoopSessionCacheStore) Get(context.Context, string) (*domain.Session, bool, error) {
	return nil, false, nil
}

func (s *NoopSessionCacheStore) Set(context.Context, *domain.Session, time.Duration) error {
	return nil
}

func (s *NoopSessionCacheStore) Delete(context.Context, ...string) error {
	return nil
}

type sessionCacheItem struct {
	entry     sessionCacheEntry
	expiresAt time.Time
}

type InMemorySessionCacheStore struct {
	mu   sync.RWMutex
	data map[string]sessionCacheItem
}

func NewInMemorySessionCacheStore() *InMemorySessionCacheStore {
	return &InMemorySessionCacheStore{data: make(map[string]sessionCacheItem)}
}

func (s *InMemorySessionCacheStore) Get(_ context.Context, id string) (*domain.Session, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	item, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if now.After(item.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.data[id]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(s.data, id)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return item.entry.session(), true, nil
}

func (s *InMemorySessionCacheStore) Set(_ context.Context, sess *domain.Session, ttl time.Duration) error {
	if sess == nil || ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sess.ID] = sessionCacheItem{
		entry:     newSessionCacheEntry(sess),
		expiresAt: time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemorySessionCacheStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.data, id)
	}
	return nil
}

// sessionCacheEntry is the cached projection of a session. It is a copy so
// callers mutating a returned session never alter the cached one.
type sessionCacheEntry struct {
	ID           string               `json:"id"`
	OwnerID      string               `json:"owner_id"`
	Status       domain.SessionStatus `json:"status"`
	Context      map[string]any       `json:"context"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	ExpiresAt    time.Time            `json:"expires_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func newSessionCacheEntry(s *domain.Session) sessionCacheEntry {
	return sessionCacheEntry{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Status:       s.Status,
		Context:      copyContext(s.Context),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (e sessionCacheEntry) session() *domain.Session {
	return &domain.Session{
		ID:           e.ID,
		OwnerID:      e.OwnerID,
		Status:       e.Status,
		Context:      copyContext(e.Context),
		CreatedAt:    e.CreatedAt,
		LastActivity: e.LastActivity,
		ExpiresAt:    e.ExpiresAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
