package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/betforge/gamecore/internal/domain"
)

// StateSnapshot is the slice of the simulator the query service reads.
type StateSnapshot interface {
	CurrentState() (domain.MarketState, error)
}

// MarketQueryService answers read queries about the simulated market. The
// in-process simulator is the freshest source; when it is not running the
// service falls back to the Redis snapshot, then to the persisted state.
type MarketQueryService struct {
	sim     StateSnapshot
	cache   domain.MarketStateCache
	states  domain.MarketStateStore
	candles domain.CandleStore
	logger  *slog.Logger
}

// NewMarketQueryService creates a MarketQueryService. sim and cache may be
// nil; each missing source just shortens the fallback chain.
func NewMarketQueryService(
	sim StateSnapshot,
	cache domain.MarketStateCache,
	states domain.MarketStateStore,
	candles domain.CandleStore,
	logger *slog.Logger,
) *MarketQueryService {
	return &MarketQueryService{
		sim:     sim,
		cache:   cache,
		states:  states,
		candles: candles,
		logger:  logger.With(slog.String("component", "market_query")),
	}
}

// CurrentState returns the most recent market state available. Returns
// domain.ErrNotFound when no state has ever been produced.
func (s *MarketQueryService) CurrentState(ctx context.Context) (domain.MarketState, error) {
	if s.sim != nil {
		state, err := s.sim.CurrentState()
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, domain.ErrNotRunning) {
			return domain.MarketState{}, err
		}
	}

	if s.cache != nil {
		state, err := s.cache.Get(ctx)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "market state cache read failed",
				slog.String("error", err.Error()))
		}
	}

	state, err := s.states.Load(ctx)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("service: load market state: %w", err)
	}
	return state, nil
}

// RecentCandles returns up to limit closed candles in chronological order.
func (s *MarketQueryService) RecentCandles(ctx context.Context, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}

	candles, err := s.candles.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("service: list recent candles: %w", err)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}
