package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/betforge/gamecore/internal/domain"
)

// IdempotencyCache implements domain.IdempotencyCache using Redis string
// values. Applied ledger entries are stored as JSON at "idem:{key}" with a
// TTL, so replays of recently retried requests never touch PostgreSQL.
type IdempotencyCache struct {
	rdb *redis.Client
}

// NewIdempotencyCache creates an IdempotencyCache backed by the given Client.
func NewIdempotencyCache(c *Client) *IdempotencyCache {
	return &IdempotencyCache{rdb: c.Underlying()}
}

func idemKey(key string) string {
	return "idem:" + key
}

// Put stores the applied entry under key for ttl.
func (ic *IdempotencyCache) Put(ctx context.Context, key string, entry domain.LedgerEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal ledger entry: %w", err)
	}
	if err := ic.rdb.Set(ctx, idemKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: put idempotency %s: %w", key, err)
	}
	return nil
}

// Get returns the entry cached under key, or domain.ErrNotFound.
func (ic *IdempotencyCache) Get(ctx context.Context, key string) (domain.LedgerEntry, error) {
	payload, err := ic.rdb.Get(ctx, idemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("redis: get idempotency %s: %w", key, err)
	}

	var entry domain.LedgerEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("redis: unmarshal ledger entry: %w", err)
	}
	return entry, nil
}

// Compile-time interface check.
var _ domain.IdempotencyCache = (*IdempotencyCache)(nil)
