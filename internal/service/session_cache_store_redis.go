package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
)

type RedisSessionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionCacheStore(client redis.UniversalClient, prefix string) *RedisSessionCacheStore {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisSessionCacheStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisSessionCacheStore) Get(ctx context.Context, id string) (*domain.Session, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry sessionCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached session %s: %w", id, err)
	}
	return entry.session(), true, nil
}

func (s *RedisSessionCacheStore) Set(ctx context.Context, sess *domain.Session, ttl time.Duration) error {
	if s.client == nil || sess == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(newSessionCacheEntry(sess))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sess.ID), payload, ttl).Err()
}

func (s *RedisSessionCacheStore) Delete(ctx context.Context, ids ...string) error {
	if s.client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisSessionCacheStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}
