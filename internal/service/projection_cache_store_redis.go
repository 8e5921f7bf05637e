package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisProjectionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisProjectionCacheStore(client redis.UniversalClient, prefix string) *RedisProjectionCacheStore {
	if prefix == "" {
		prefix = "keysystem_projection"
	}
	return &RedisProjectionCacheStore{client: client, prefix: prefix}
}

func (s *RedisProjectionCacheStore) Get(ctx context.Context, keysystemID string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	key, err := s.dataKey(ctx, keysystemID)
	if err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *RedisProjectionCacheStore) Set(ctx context.Context, keysystemID string, payload []byte, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	key, err := s.dataKey(ctx, keysystemID)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *RedisProjectionCacheStore) Invalidate(ctx context.Context, keysystemID string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.keysystemEpochKey(keysystemID)).Err()
}

func (s *RedisProjectionCacheStore) InvalidateAll(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.globalEpochKey()).Err()
}

func (s *RedisProjectionCacheStore) dataKey(ctx context.Context, keysystemID string) (string, error) {
	pipe := s.client.Pipeline()
	globalCmd := pipe.Get(ctx, s.globalEpochKey())
	ksCmd := pipe.Get(ctx, s.keysystemEpochKey(keysystemID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	globalEpoch, err := parseEpoch(globalCmd)
	if err != nil {
		return "", err
	}
	ksEpoch, err := parseEpoch(ksCmd)
	if err != nil {
		return "", err
	}
	return s.prefix + ":data:" + buildProjectionCacheKey(globalEpoch, ksEpoch, keysystemID), nil
}

func parseEpoch(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) || (err == nil && v == "") {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (s *RedisProjectionCacheStore) globalEpochKey() string {
	return s.prefix + ":epoch:global"
}

func (s *RedisProjectionCacheStore) keysystemEpochKey(keysystemID string) string {
	return s.prefix + ":epoch:ks:" + hashToken(keysystemID)
}
