package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lease is a held lock. Only the holder's token can release it.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker hands out expiring leases on named keys.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, lease *Lease) error
}

// RedisLocker implements Locker with SET NX and a compare-and-delete script,
// so a lease expired and taken by another replica is never released by us.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock: redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock: ttl must be > 0")
	}
	lease := &Lease{Key: l.prefix + key, Token: uuid.NewString(), TTL: ttl}
	ok, err := l.client.SetNX(ctx, lease.Key, lease.Token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if l == nil || l.client == nil {
		return errors.New("lock: redis client not initialized")
	}
	if lease == nil {
		return errors.New("lock: lease is nil")
	}
	return l.client.Eval(ctx, releaseScript, []string{lease.Key}, lease.Token).Err()
}

// LocalLocker always grants the lease. It is used when a single replica runs
// and no Redis is configured.
type LocalLocker struct{}

func (LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	return &Lease{Key: key, TTL: ttl}, true, nil
}

func (LocalLocker) Release(context.Context, *Lease) error { return nil }
