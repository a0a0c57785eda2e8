package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis lock: SET key value NX EX holds the mutex, a Lua compare-and-delete
// releases it so an expired holder cannot free a lock someone else now owns.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker is a cross-instance AccountLocker for deployments that run more
// than one engine against the same database.
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 20 * time.Millisecond,
	}
}

func lockKey(accountID uuid.UUID) string {
	return fmt.Sprintf("broker:lock:account:%s", accountID)
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID uuid.UUID, wait time.Duration) (Release, error) {
	key := lockKey(accountID)
	holder := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, holder, l.expiration).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				_, err := l.client.Eval(ctx, unlockScript, []string{key}, holder).Result()
				return err
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}
