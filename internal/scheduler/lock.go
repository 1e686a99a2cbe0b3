package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker guards a fire against other replicas sharing the same store.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// RedisLocker takes SET NX locks that expire on their own, so a crashed
// replica never holds a job forever.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "relaybot:sched:lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.prefix+key, time.Now().UnixMilli(), ttl).Result()
}
