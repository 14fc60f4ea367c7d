package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another instance holds the lock.
var ErrLockHeld = errors.New("monitor: lock held by another instance")

// Locker guards the monitor cycle so only one instance runs it at a time.
type Locker interface {
	// Acquire takes key for at most ttl. The returned unlock function is
	// safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SETNX plus a token-checked unlock.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker over rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire tries once to take the lock.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := "lock:" + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("monitor: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

var _ Locker = (*RedisLocker)(nil)
