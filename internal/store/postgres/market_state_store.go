package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betforge/gamecore/internal/domain"
)

// MarketStateStore implements domain.MarketStateStore using PostgreSQL.
// The state lives in a single JSON row so a restart picks up exactly where
// the last persisted tick left off.
type MarketStateStore struct {
	pool *pgxpool.Pool
}

// NewMarketStateStore creates a new MarketStateStore backed by the given pool.
func NewMarketStateStore(pool *pgxpool.Pool) *MarketStateStore {
	return &MarketStateStore{pool: pool}
}

// Save upserts the simulator state.
func (s *MarketStateStore) Save(ctx context.Context, state domain.MarketState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal market state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO market_state (id, state, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: save market state: %w", err)
	}
	return nil
}

// Load returns the persisted simulator state, or domain.ErrNotFound when no
// state has ever been saved.
func (s *MarketStateStore) Load(ctx context.Context) (domain.MarketState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM market_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("postgres: load market state: %w", err)
	}

	var state domain.MarketState
	if err := json.Unmarshal(payload, &state); err != nil {
		return domain.MarketState{}, fmt.Errorf("postgres: unmarshal market state: %w", err)
	}
	return state, nil
}
