package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/betforge/gamecore/internal/domain"
)

// unlockScript deletes the lock key only when it still holds the caller's
// token, so an expired lock reacquired by someone else is never released by
// the original holder.
const unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SETNX plus a TTL. The ledger
// engine takes a lock per user so that balance updates from different
// processes serialize.
type LockManager struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:    c.Underlying(),
		unlock: redis.NewScript(unlockScript),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock for key with the given TTL and returns a release
// function that is safe to call more than once. A lock held elsewhere yields
// domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// Release under a fresh context: the caller's context is often
		// already cancelled by the time the lock is let go.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlock.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
