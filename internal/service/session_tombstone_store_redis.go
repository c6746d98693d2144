package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSessionTombstoneStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionTombstoneStore(client redis.UniversalClient, prefix string) *RedisSessionTombstoneStore {
	if prefix == "" {
		prefix = "session_tombstone"
	}
	return &RedisSessionTombstoneStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisSessionTombstoneStore) Has(ctx context.Context, id string) (bool, error) {
	if s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSessionTombstoneStore) Put(ctx context.Context, ttl time.Duration, ids ...string) error {
	if s.client == nil || ttl <= 0 || len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Set(ctx, s.key(id), "1", ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSessionTombstoneStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}
