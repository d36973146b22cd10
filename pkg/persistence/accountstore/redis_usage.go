package accountstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/ehosp/pkg/accounts"
)

// RedisUsageStore keeps daily usage counters in Redis so several service replicas
// share one quota. Keys expire after TTL; stale days simply age out.
type RedisUsageStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ accounts.UsageStore = &RedisUsageStore{}

func NewRedisUsageStore(client *redis.Client, prefix string, ttl time.Duration) (*RedisUsageStore, error) {
	if client == nil {
		return nil, errors.New("redis usage store: client is nil")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "ehosp:usage"
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisUsageStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisUsageStore) key(email, date string) string {
	return s.prefix + ":" + date + ":" + email
}

func (s *RedisUsageStore) UsageCount(ctx context.Context, email, date string) (int, error) {
	n, err := s.client.Get(ctx, s.key(email, date)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis usage store: get")
	}
	return n, nil
}

func (s *RedisUsageStore) IncrementUsage(ctx context.Context, email, date string) (int, error) {
	key := s.key(email, date)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "redis usage store: incr")
	}
	return int(incr.Val()), nil
}
