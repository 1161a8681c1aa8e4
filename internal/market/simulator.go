// Package market implements the continuous price simulator: a single
// long-lived tick loop that draws entropy from the fairness generator,
// advances a bounded stochastic price series, aggregates OHLCV candles, and
// persists its state after every tick so a crash loses at most a bounded
// window of aggregation state.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/betforge/gamecore/internal/domain"
)

// Status is the simulator lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusStopped       Status = "stopped"
)

// Volatility response to realized moves: the next volatility is an EWMA of
// the previous value and the base volatility plus a shock term proportional
// to the realized percentage move, bounded to a band around the base.
const (
	volEWMAWeight  = 0.9
	volShockFactor = 2.0
	volFloorFactor = 0.25
	volCeilFactor  = 4.0
	trendEpsilon   = 1e-12
	minUniformDraw = 1e-300
	snapshotTTL    = 30 * time.Second
)

// Config holds the simulator tuning parameters.
type Config struct {
	ServerSeed string // fairness server seed for tick entropy

	StartPrice float64 // starting and mean-reversion reference price
	MinPrice   float64
	MaxPrice   float64

	BaseVolatility float64 // per-tick diffusion scale
	MomentumFactor float64 // fraction of base volatility applied along the trend
	ReversionRate  float64 // pull toward StartPrice per unit relative displacement

	CandleInterval time.Duration
	TickMinDelay   time.Duration
	TickMaxDelay   time.Duration

	// CandlePersistEvery bounds crash loss of the in-progress candle: it is
	// snapshotted to the store every N ticks.
	CandlePersistEvery int64

	// PersistRetryMax and RetryBaseDelay bound the per-tick retry budget on
	// transient persistence failure.
	PersistRetryMax int
	RetryBaseDelay  time.Duration

	// PersistTimeout bounds each persistence attempt; a hung store call
	// counts as a failed attempt instead of stalling the loop.
	PersistTimeout time.Duration
}

// tickClientSeed is the fixed client seed of the simulator's entropy stream;
// the tick nonce sequence makes every draw unique and recomputable.
const tickClientSeed = "market-tick"

// Simulator owns the market state machine. Exactly one instance runs per
// deployment; it is constructed once at startup and handed by reference to
// the components that query it.
type Simulator struct {
	cfg      Config
	fairness domain.Fairness
	states   domain.MarketStateStore
	candles  domain.CandleStore
	cache    domain.MarketStateCache // optional, best-effort snapshot publishing
	logger   *slog.Logger

	mu      sync.RWMutex
	state   domain.MarketState
	status  Status
	builder *candleBuilder
}

// NewSimulator creates an uninitialized Simulator. cache may be nil.
func NewSimulator(
	cfg Config,
	fairness domain.Fairness,
	states domain.MarketStateStore,
	candles domain.CandleStore,
	cache domain.MarketStateCache,
	logger *slog.Logger,
) *Simulator {
	return &Simulator{
		cfg:      cfg,
		fairness: fairness,
		states:   states,
		candles:  candles,
		cache:    cache,
		logger:   logger.With(slog.String("component", "market_simulator")),
		status:   StatusUninitialized,
		builder:  newCandleBuilder(cfg.CandleInterval),
	}
}

// Initialize recovers the last persisted state and in-progress candle,
// falling back to the configured starting price only when nothing has been
// persisted yet. Any other persistence failure aborts initialization: the
// simulator must not run with amnesia while claiming healthy recovery.
func (s *Simulator) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusUninitialized {
		return fmt.Errorf("market: initialize in status %s", s.status)
	}

	state, err := s.states.Load(ctx)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "recovered market state",
			slog.Float64("price", state.CurrentPrice),
			slog.Int64("tick_count", state.TickCount),
		)
	case errors.Is(err, domain.ErrNotFound):
		state = domain.MarketState{
			CurrentPrice:  s.cfg.StartPrice,
			PreviousPrice: s.cfg.StartPrice,
			Volatility:    s.cfg.BaseVolatility,
			Trend:         domain.TrendNeutral,
		}
		s.logger.InfoContext(ctx, "no persisted market state, starting fresh",
			slog.Float64("price", state.CurrentPrice),
		)
	default:
		return fmt.Errorf("market: load state: %w", err)
	}

	current, err := s.candles.LoadCurrent(ctx)
	switch {
	case err == nil:
		s.builder.Resume(current)
		s.logger.InfoContext(ctx, "recovered in-progress candle",
			slog.Time("open_time", current.OpenTime),
			slog.Int64("volume", current.Volume),
		)
	case errors.Is(err, domain.ErrNotFound):
		// First run or clean shutdown after a candle close.
	default:
		return fmt.Errorf("market: load current candle: %w", err)
	}

	s.state = state
	s.status = StatusRunning
	return nil
}

// Run drives the tick loop until ctx is cancelled, then flushes the
// in-progress candle and final state before stopping. Ticks execute strictly
// sequentially with a randomized delay in [TickMinDelay, TickMaxDelay].
func (s *Simulator) Run(ctx context.Context) error {
	if s.CurrentStatus() != StatusRunning {
		return fmt.Errorf("market: run: %w", domain.ErrNotRunning)
	}

	s.logger.InfoContext(ctx, "tick loop starting",
		slog.Duration("tick_min_delay", s.cfg.TickMinDelay),
		slog.Duration("tick_max_delay", s.cfg.TickMaxDelay),
		slog.Duration("candle_interval", s.cfg.CandleInterval),
	)

	timer := time.NewTimer(s.tickDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-timer.C:
			s.tick(ctx, time.Now().UTC())
			timer.Reset(s.tickDelay())
		}
	}
}

func (s *Simulator) tickDelay() time.Duration {
	if s.cfg.TickMaxDelay <= s.cfg.TickMinDelay {
		return s.cfg.TickMinDelay
	}
	return s.cfg.TickMinDelay + rand.N(s.cfg.TickMaxDelay-s.cfg.TickMinDelay)
}

// tick advances the simulation by one step. On persistence failure beyond the
// retry budget the tick is skipped: in-memory state does not advance and the
// loop carries on with the next tick.
func (s *Simulator) tick(ctx context.Context, now time.Time) {
	s.mu.RLock()
	prev := s.state
	s.mu.RUnlock()

	z, err := s.normalDeviate(prev.TickCount)
	if err != nil {
		s.logger.WarnContext(ctx, "entropy draw failed, skipping tick",
			slog.String("error", err.Error()),
		)
		return
	}

	next := prev
	next.PreviousPrice = prev.CurrentPrice

	delta := prev.Volatility*z +
		s.cfg.MomentumFactor*s.cfg.BaseVolatility*trendSign(prev.Trend) +
		s.cfg.ReversionRate*(s.cfg.StartPrice-prev.CurrentPrice)/s.cfg.StartPrice

	price := prev.CurrentPrice * (1 + delta)
	if math.IsNaN(price) || math.IsInf(price, 0) {
		s.logger.WarnContext(ctx, "non-finite price discarded",
			slog.Float64("delta", delta),
			slog.Float64("retained", prev.CurrentPrice),
		)
		price = prev.CurrentPrice
	}
	if price < s.cfg.MinPrice {
		price = s.cfg.MinPrice
	}
	if price > s.cfg.MaxPrice {
		price = s.cfg.MaxPrice
	}

	next.CurrentPrice = price
	next.Trend = trendOf(price, prev.CurrentPrice)
	next.Volatility = s.nextVolatility(prev.Volatility, relativeMove(price, prev.CurrentPrice))
	next.TickCount = prev.TickCount + 1
	next.LastUpdate = now

	// The builder mutates in place; keep a restore point so a skipped tick
	// leaves the candle exactly as it was.
	builderBefore := *s.builder

	closed, didClose := s.builder.Apply(now, price)
	if didClose {
		if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
			return s.candles.Append(ctx, closed)
		}); err != nil {
			s.logger.ErrorContext(ctx, "candle append failed, skipping tick",
				slog.String("error", err.Error()),
			)
			*s.builder = builderBefore
			return
		}
	}

	if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
		return s.states.Save(ctx, next)
	}); err != nil {
		s.logger.ErrorContext(ctx, "state persist failed, skipping tick",
			slog.String("error", err.Error()),
		)
		*s.builder = builderBefore
		return
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.publishSnapshot(ctx, next)

	// Periodic snapshot of the in-progress candle bounds crash loss to at
	// most CandlePersistEvery ticks. Best-effort: a failure here does not
	// invalidate the tick.
	if didClose || (s.cfg.CandlePersistEvery > 0 && next.TickCount%s.cfg.CandlePersistEvery == 0) {
		if current, ok := s.builder.Current(); ok {
			if err := s.persistAttempt(ctx, func(ctx context.Context) error {
				return s.candles.SaveCurrent(ctx, current)
			}); err != nil {
				s.logger.WarnContext(ctx, "in-progress candle snapshot failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// normalDeviate draws two fairness values (nonces 2k and 2k+1 for tick k) and
// combines them with the Box-Muller transform into a standard normal deviate.
func (s *Simulator) normalDeviate(tickCount int64) (float64, error) {
	u1, err := s.fairness.Resolve(domain.FairnessSeed{
		ServerSeed: s.cfg.ServerSeed,
		ClientSeed: tickClientSeed,
		Nonce:      2 * tickCount,
	})
	if err != nil {
		return 0, err
	}
	u2, err := s.fairness.Resolve(domain.FairnessSeed{
		ServerSeed: s.cfg.ServerSeed,
		ClientSeed: tickClientSeed,
		Nonce:      2*tickCount + 1,
	})
	if err != nil {
		return 0, err
	}

	v1 := u1.Value
	if v1 < minUniformDraw {
		v1 = minUniformDraw
	}
	return math.Sqrt(-2*math.Log(v1)) * math.Cos(2*math.Pi*u2.Value), nil
}

func (s *Simulator) nextVolatility(current, move float64) float64 {
	vol := volEWMAWeight*current + (1-volEWMAWeight)*(s.cfg.BaseVolatility+move*volShockFactor)

	floor := s.cfg.BaseVolatility * volFloorFactor
	ceil := s.cfg.BaseVolatility * volCeilFactor
	if vol < floor {
		vol = floor
	}
	if vol > ceil {
		vol = ceil
	}
	return vol
}

func (s *Simulator) persistWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	delay := s.cfg.RetryBaseDelay
	for attempt := 0; attempt <= s.cfg.PersistRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = s.persistAttempt(ctx, op); err == nil {
			return nil
		}
	}
	return fmt.Errorf("market: retries exhausted: %w", err)
}

// persistAttempt runs one persistence call under the configured attempt
// timeout, so a hung connection fails the attempt rather than the loop.
func (s *Simulator) persistAttempt(ctx context.Context, op func(ctx context.Context) error) error {
	if s.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PersistTimeout)
		defer cancel()
	}
	return op(ctx)
}

func (s *Simulator) publishSnapshot(ctx context.Context, state domain.MarketState) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, state, snapshotTTL); err != nil {
		s.logger.WarnContext(ctx, "snapshot publish failed",
			slog.String("error", err.Error()),
		)
	}
}

// shutdown flushes the in-progress candle and final state, then marks the
// simulator stopped.
func (s *Simulator) shutdown() {
	// The run context is already cancelled; give the flush its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if current, ok := s.builder.Current(); ok {
		if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
			return s.candles.SaveCurrent(ctx, current)
		}); err != nil {
			s.logger.Error("in-progress candle flush failed on shutdown",
				slog.String("error", err.Error()),
			)
		}
	}

	s.mu.Lock()
	state := s.state
	s.status = StatusStopped
	s.mu.Unlock()

	if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
		return s.states.Save(ctx, state)
	}); err != nil {
		s.logger.Error("state flush failed on shutdown",
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("simulator stopped",
		slog.Int64("tick_count", state.TickCount),
		slog.Float64("price", state.CurrentPrice),
	)
}

// CurrentState returns a point-in-time snapshot of the market state. It
// returns domain.ErrNotRunning before initialization.
func (s *Simulator) CurrentState() (domain.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status == StatusUninitialized {
		return domain.MarketState{}, domain.ErrNotRunning
	}
	return s.state, nil
}

// CurrentStatus returns the lifecycle status.
func (s *Simulator) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// HistoricalCandles returns up to limit closed candles in chronological
// order (most recent last).
func (s *Simulator) HistoricalCandles(ctx context.Context, limit int) ([]domain.Candle, error) {
	candles, err := s.candles.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("market: list recent candles: %w", err)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func trendOf(price, before float64) domain.Trend {
	switch {
	case price > before+trendEpsilon:
		return domain.TrendUp
	case price < before-trendEpsilon:
		return domain.TrendDown
	default:
		return domain.TrendNeutral
	}
}

func trendSign(t domain.Trend) float64 {
	switch t {
	case domain.TrendUp:
		return 1
	case domain.TrendDown:
		return -1
	default:
		return 0
	}
}

func relativeMove(price, before float64) float64 {
	if before == 0 {
		return 0
	}
	return math.Abs(price-before) / before
}
