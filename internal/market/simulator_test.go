package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/betforge/gamecore/internal/domain"
	"github.com/betforge/gamecore/internal/fairness"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStateStore struct {
	mu      sync.Mutex
	state   *domain.MarketState
	saveErr error
	failFor int // fail this many Save calls, then succeed
	saves   int
}

func (f *fakeStateStore) Save(_ context.Context, state domain.MarketState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failFor > 0 {
		f.failFor--
		return errors.New("transient save failure")
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := state
	f.state = &cp
	return nil
}

func (f *fakeStateStore) Load(_ context.Context) (domain.MarketState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return domain.MarketState{}, domain.ErrNotFound
	}
	return *f.state, nil
}

type fakeCandleStore struct {
	mu      sync.Mutex
	closed  []domain.Candle
	current *domain.Candle
	loadErr error
}

func (f *fakeCandleStore) Append(_ context.Context, c domain.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, c)
	return nil
}

func (f *fakeCandleStore) ListRecent(_ context.Context, limit int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Candle, 0, limit)
	for i := len(f.closed) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.closed[i])
	}
	return out, nil
}

func (f *fakeCandleStore) ListBefore(_ context.Context, before time.Time) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Candle
	for _, c := range f.closed {
		if c.OpenTime.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCandleStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []domain.Candle
	var deleted int64
	for _, c := range f.closed {
		if c.OpenTime.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	f.closed = kept
	return deleted, nil
}

func (f *fakeCandleStore) SaveCurrent(_ context.Context, c domain.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := c
	f.current = &cp
	return nil
}

func (f *fakeCandleStore) LoadCurrent(_ context.Context) (domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return domain.Candle{}, f.loadErr
	}
	if f.current == nil {
		return domain.Candle{}, domain.ErrNotFound
	}
	return *f.current, nil
}

// stubFairness returns fixed uniforms: u1 for even nonces, u2 for odd.
type stubFairness struct {
	u1, u2 float64
}

func (s stubFairness) Resolve(seed domain.FairnessSeed) (domain.FairnessResult, error) {
	v := s.u1
	if seed.Nonce%2 == 1 {
		v = s.u2
	}
	return domain.FairnessResult{Value: v, Seed: seed}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		ServerSeed:         "test-server-seed",
		StartPrice:         100,
		MinPrice:           50,
		MaxPrice:           150,
		BaseVolatility:     0.02,
		MomentumFactor:     0.3,
		ReversionRate:      0.05,
		CandleInterval:     time.Minute,
		TickMinDelay:       time.Second,
		TickMaxDelay:       2 * time.Second,
		CandlePersistEvery: 5,
		PersistRetryMax:    2,
		RetryBaseDelay:     time.Millisecond,
		PersistTimeout:     time.Second,
	}
}

func initialized(t *testing.T, cfg Config, f domain.Fairness, states *fakeStateStore, candles *fakeCandleStore) *Simulator {
	t.Helper()
	sim := NewSimulator(cfg, f, states, candles, nil, testLogger())
	if err := sim.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return sim
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSimulator_ClampAtMaxPrice(t *testing.T) {
	t.Parallel()

	// Initial volatility equals BaseVolatility = 1.0, trend is neutral and
	// price sits on the reference, so delta = z. u1 = e^-0.5, u2 = 0 gives
	// z = 1 exactly: the diffusion term alone pushes 100 -> 200.
	cfg := testConfig()
	cfg.BaseVolatility = 1.0
	cfg.MomentumFactor = 0

	sim := initialized(t, cfg, stubFairness{u1: math.Exp(-0.5), u2: 0}, &fakeStateStore{}, &fakeCandleStore{})
	sim.tick(context.Background(), time.Now().UTC())

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state.CurrentPrice != 150.0 {
		t.Fatalf("clamped price: got %v, want exactly 150.0", state.CurrentPrice)
	}
	if state.Trend != domain.TrendUp {
		t.Fatalf("trend: got %s, want up", state.Trend)
	}
	if state.PreviousPrice != 100 {
		t.Fatalf("previous price: got %v, want 100", state.PreviousPrice)
	}
}

func TestSimulator_PriceBoundsAndPreviousPrice(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	gen := fairness.NewGenerator("")
	sim := initialized(t, cfg, gen, &fakeStateStore{}, &fakeCandleStore{})

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	prev, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}

	for i := 0; i < 500; i++ {
		now = now.Add(1500 * time.Millisecond)
		sim.tick(ctx, now)

		state, err := sim.CurrentState()
		if err != nil {
			t.Fatalf("current state at tick %d: %v", i, err)
		}
		if state.CurrentPrice < cfg.MinPrice || state.CurrentPrice > cfg.MaxPrice {
			t.Fatalf("tick %d: price %v outside [%v, %v]", i, state.CurrentPrice, cfg.MinPrice, cfg.MaxPrice)
		}
		if state.PreviousPrice != prev.CurrentPrice {
			t.Fatalf("tick %d: previous price %v, want %v", i, state.PreviousPrice, prev.CurrentPrice)
		}
		if state.TickCount != prev.TickCount+1 {
			t.Fatalf("tick %d: tick count %d, want %d", i, state.TickCount, prev.TickCount+1)
		}
		prev = state
	}
}

func TestSimulator_CandleOHLCValidity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CandleInterval = 10 * time.Second
	candles := &fakeCandleStore{}
	sim := initialized(t, cfg, fairness.NewGenerator(""), &fakeStateStore{}, candles)

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		now = now.Add(1500 * time.Millisecond)
		sim.tick(ctx, now)
	}

	candles.mu.Lock()
	defer candles.mu.Unlock()
	if len(candles.closed) == 0 {
		t.Fatal("no closed candles produced")
	}
	for i, c := range candles.closed {
		if c.Low > c.Open || c.Open > c.High || c.Low > c.Close || c.Close > c.High {
			t.Fatalf("candle %d violates OHLC invariant: %+v", i, c)
		}
	}
}

func TestSimulator_NonFinitePriceRetained(t *testing.T) {
	t.Parallel()

	sim := initialized(t, testConfig(), stubFairness{u1: 0.5, u2: 0.5}, &fakeStateStore{}, &fakeCandleStore{})

	// Poison the volatility so the computed delta is non-finite.
	sim.mu.Lock()
	sim.state.Volatility = math.Inf(1)
	sim.mu.Unlock()

	sim.tick(context.Background(), time.Now().UTC())

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state.CurrentPrice != 100 {
		t.Fatalf("price after non-finite delta: got %v, want retained 100", state.CurrentPrice)
	}
	if state.Trend != domain.TrendNeutral {
		t.Fatalf("trend after retained price: got %s, want neutral", state.Trend)
	}
	if math.IsInf(state.Volatility, 0) || math.IsNaN(state.Volatility) {
		t.Fatalf("volatility must recover to a finite value, got %v", state.Volatility)
	}
	if state.TickCount != 1 {
		t.Fatalf("tick must still advance, got tick count %d", state.TickCount)
	}
}

func TestSimulator_SkipsTickWhenPersistenceExhausted(t *testing.T) {
	t.Parallel()

	states := &fakeStateStore{saveErr: errors.New("store down")}
	sim := initialized(t, testConfig(), stubFairness{u1: 0.5, u2: 0.25}, states, &fakeCandleStore{})

	sim.tick(context.Background(), time.Now().UTC())

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state.TickCount != 0 {
		t.Fatalf("tick count advanced despite persistence failure: %d", state.TickCount)
	}
	if state.CurrentPrice != 100 {
		t.Fatalf("price advanced despite persistence failure: %v", state.CurrentPrice)
	}
	if _, ok := sim.builder.Current(); ok {
		t.Fatal("candle builder advanced despite persistence failure")
	}
}

// hungStateStore never answers Save until the call's context expires.
type hungStateStore struct{}

func (hungStateStore) Save(ctx context.Context, _ domain.MarketState) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hungStateStore) Load(_ context.Context) (domain.MarketState, error) {
	return domain.MarketState{}, domain.ErrNotFound
}

func TestSimulator_HungPersistenceBoundedByTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PersistTimeout = 20 * time.Millisecond
	sim := initialized(t, cfg, stubFairness{u1: 0.5, u2: 0.25}, &fakeStateStore{}, &fakeCandleStore{})
	sim.states = hungStateStore{}

	done := make(chan struct{})
	go func() {
		sim.tick(context.Background(), time.Now().UTC())
		close(done)
	}()

	// Three attempts of 20ms plus backoff is well under a second; a hung
	// store must count as a failed attempt, not stall the tick loop.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick still blocked after 2s; persistence calls are unbounded")
	}

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state.TickCount != 0 {
		t.Fatalf("tick count advanced despite hung persistence: %d", state.TickCount)
	}
}

func TestSimulator_RetriesTransientPersistence(t *testing.T) {
	t.Parallel()

	states := &fakeStateStore{failFor: 2} // budget is 2 retries = 3 attempts
	sim := initialized(t, testConfig(), stubFairness{u1: 0.5, u2: 0.25}, states, &fakeCandleStore{})

	sim.tick(context.Background(), time.Now().UTC())

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state.TickCount != 1 {
		t.Fatalf("tick should succeed after retries, got tick count %d", state.TickCount)
	}
	if states.saves != 3 {
		t.Fatalf("save attempts: got %d, want 3", states.saves)
	}
}

func TestSimulator_RecoversPersistedState(t *testing.T) {
	t.Parallel()

	persisted := domain.MarketState{
		CurrentPrice:  123.4,
		PreviousPrice: 122.9,
		Volatility:    0.03,
		Trend:         domain.TrendUp,
		TickCount:     987,
		LastUpdate:    time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC),
	}
	inProgress := domain.Candle{
		OpenTime: time.Date(2026, 2, 28, 23, 58, 0, 0, time.UTC),
		Open:     121, High: 124, Low: 120.5, Close: 123.4, Volume: 17,
	}

	states := &fakeStateStore{state: &persisted}
	candles := &fakeCandleStore{current: &inProgress}
	sim := initialized(t, testConfig(), stubFairness{u1: 0.5, u2: 0.25}, states, candles)

	state, err := sim.CurrentState()
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != persisted {
		t.Fatalf("recovered state: got %+v, want %+v", state, persisted)
	}
	current, ok := sim.builder.Current()
	if !ok || current != inProgress {
		t.Fatalf("recovered candle: got %+v ok=%v, want %+v", current, ok, inProgress)
	}
}

func TestSimulator_InitializeFailsOnStoreError(t *testing.T) {
	t.Parallel()

	// A store failure that is not ErrNotFound must abort initialization
	// rather than silently starting from defaults.
	candles := &fakeCandleStore{loadErr: errors.New("connection refused")}
	sim := NewSimulator(testConfig(), stubFairness{u1: 0.5, u2: 0.5}, &fakeStateStore{}, candles, nil, testLogger())

	if err := sim.Initialize(context.Background()); err == nil {
		t.Fatal("initialize must fail when recovery reads fail")
	}
	if sim.CurrentStatus() != StatusUninitialized {
		t.Fatalf("status after failed initialize: %s", sim.CurrentStatus())
	}
}

func TestSimulator_HistoricalCandlesChronological(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := &fakeCandleStore{}
	for i := 0; i < 5; i++ {
		candles.closed = append(candles.closed, domain.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     100, High: 100, Low: 100, Close: 100,
		})
	}

	sim := initialized(t, testConfig(), stubFairness{u1: 0.5, u2: 0.5}, &fakeStateStore{}, candles)

	got, err := sim.HistoricalCandles(context.Background(), 3)
	if err != nil {
		t.Fatalf("historical candles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candles, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].OpenTime.After(got[i-1].OpenTime) {
			t.Fatalf("candles not chronological: %v then %v", got[i-1].OpenTime, got[i].OpenTime)
		}
	}
	if !got[len(got)-1].OpenTime.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("most recent candle must be last, got %v", got[len(got)-1].OpenTime)
	}
}
