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

// MarketStateCache implements domain.MarketStateCache using a single Redis
// string value. The simulator refreshes it every tick with a short TTL, so a
// stale value expires rather than being served after the simulator dies.
type MarketStateCache struct {
	rdb *redis.Client
}

// NewMarketStateCache creates a MarketStateCache backed by the given Client.
func NewMarketStateCache(c *Client) *MarketStateCache {
	return &MarketStateCache{rdb: c.Underlying()}
}

const marketStateKey = "market:state"

// Set stores the current simulator state with the given TTL.
func (mc *MarketStateCache) Set(ctx context.Context, state domain.MarketState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal market state: %w", err)
	}
	if err := mc.rdb.Set(ctx, marketStateKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market state: %w", err)
	}
	return nil
}

// Get returns the cached simulator state, or domain.ErrNotFound when the key
// is missing or expired.
func (mc *MarketStateCache) Get(ctx context.Context) (domain.MarketState, error) {
	payload, err := mc.rdb.Get(ctx, marketStateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MarketState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("redis: get market state: %w", err)
	}

	var state domain.MarketState
	if err := json.Unmarshal(payload, &state); err != nil {
		return domain.MarketState{}, fmt.Errorf("redis: unmarshal market state: %w", err)
	}
	return state, nil
}

// Compile-time interface check.
var _ domain.MarketStateCache = (*MarketStateCache)(nil)
