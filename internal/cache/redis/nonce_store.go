package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/betforge/gamecore/internal/domain"
)

// NonceStore implements domain.NonceSource using Redis INCR. Each
// (user, client seed) pair gets its own counter at "nonce:{user}:{seed}",
// so every bet consumes a fresh nonce even across processes.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying()}
}

func nonceKey(userID, clientSeed string) string {
	return "nonce:" + userID + ":" + clientSeed
}

// Next atomically allocates the next nonce for the pair. The first call
// returns 0.
func (ns *NonceStore) Next(ctx context.Context, userID, clientSeed string) (int64, error) {
	n, err := ns.rdb.Incr(ctx, nonceKey(userID, clientSeed)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: next nonce for %s: %w", userID, err)
	}
	return n - 1, nil
}

// Compile-time interface check.
var _ domain.NonceSource = (*NonceStore)(nil)
