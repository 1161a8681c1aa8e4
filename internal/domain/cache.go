package domain

import (
	"context"
	"time"
)

// IdempotencyCache retains applied transaction results for a bounded
// retention window so client retries can be answered without re-applying.
type IdempotencyCache interface {
	Put(ctx context.Context, key string, entry LedgerEntry, ttl time.Duration) error
	// Get returns the cached entry, or ErrNotFound on a miss.
	Get(ctx context.Context, key string) (LedgerEntry, error)
}

// MarketStateCache holds the latest market-state snapshot for cheap
// read-side queries. Writes are best-effort; the durable store remains the
// source of truth for recovery.
type MarketStateCache interface {
	Set(ctx context.Context, state MarketState, ttl time.Duration) error
	// Get returns the cached snapshot, or ErrNotFound on a miss.
	Get(ctx context.Context) (MarketState, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire obtains the lock for key or returns ErrLockHeld. On success the
	// returned unlock function releases the lock and is safe to call more
	// than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
