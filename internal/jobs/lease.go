package jobs

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lease is a cross-process mutex for one job name.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// RedisLease holds job_lease:<name> with SETNX. Each instance has its own
// owner token so it never releases a lease another instance took over.
type RedisLease struct {
	Client *redis.Client
	owner  string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{Client: client, owner: uuid.NewString()}
}

func leaseKey(name string) string {
	return "job_lease:" + name
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, leaseKey(name), l.owner, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, name string) error {
	key := leaseKey(name)
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already expired
	}
	if err != nil {
		return err
	}
	if val != l.owner {
		return nil
	}
	return l.Client.Del(ctx, key).Err()
}
