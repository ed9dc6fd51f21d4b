package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/consentmesh/trustcore/pkg/consent"
)

// releaseScript deletes the lock key only if it still holds our token, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on Redis for multi-instance deployments where
// an in-process mutex map cannot serialize writers. Locks carry a TTL so a
// crashed holder cannot wedge a key forever.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	prefix    string
}

// NewRedisLocker creates a locker on the given client. ttl bounds how long a
// crashed holder can keep a key; it must exceed the longest critical section.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retryWait: 10 * time.Millisecond,
		prefix:    "trustcore:lock:",
	}
}

// Acquire polls until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		release, err := l.TryAcquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !consent.IsKind(err, consent.KindLockContention) {
			return nil, err
		}
		select {
		case <-time.After(l.retryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire attempts a single SET NX PX.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	full := l.prefix + key

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, consent.Errorf(consent.KindLockContention, "lock %q is held", key)
	}

	release := func() {
		// Best effort: the TTL reclaims the key if the release itself fails.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{full}, token).Err()
	}
	return release, nil
}
