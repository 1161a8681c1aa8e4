package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
)

type fakeLedgerStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  map[string]domain.LedgerEntry
	failFor  int
	applies  int
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{
		balances: make(map[string]decimal.Decimal),
		entries:  make(map[string]domain.LedgerEntry),
	}
}

func (f *fakeLedgerStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		b = decimal.Zero
		f.balances[userID] = b
	}
	return b, nil
}

func (f *fakeLedgerStore) ApplyEntry(_ context.Context, entry domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.failFor > 0 {
		f.failFor--
		return errors.New("store offline")
	}
	if _, ok := f.entries[entry.IdempotencyKey]; ok {
		return domain.ErrDuplicateKey
	}
	if !f.balances[entry.UserID].Equal(entry.PreviousBalance) {
		return domain.ErrBalanceConflict
	}
	f.balances[entry.UserID] = entry.NewBalance
	f.entries[entry.IdempotencyKey] = entry
	return nil
}

func (f *fakeLedgerStore) GetByIdempotencyKey(_ context.Context, key string) (domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

func (f *fakeLedgerStore) balance(userID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

func (f *fakeLedgerStore) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeIdemCache struct {
	mu      sync.Mutex
	entries map[string]domain.LedgerEntry
}

func newFakeIdemCache() *fakeIdemCache {
	return &fakeIdemCache{entries: make(map[string]domain.LedgerEntry)}
}

func (f *fakeIdemCache) Put(_ context.Context, key string, entry domain.LedgerEntry, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = entry
	return nil
}

func (f *fakeIdemCache) Get(_ context.Context, key string) (domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

func testEngine(store *fakeLedgerStore) *Engine {
	cfg := Config{
		IdempotencyTTL: time.Minute,
		ApplyRetryMax:  3,
		RetryBaseDelay: time.Millisecond,
		StoreTimeout:   time.Second,
		LockTTL:        time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(cfg, store, newFakeIdemCache(), nil, logger)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestApplySettlesBalance(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("1000")
	eng := testEngine(store)

	res, err := eng.Apply(context.Background(), domain.TransactionRequest{
		UserID:         "u1",
		GameID:         "roulette",
		BetAmount:      dec("100"),
		WinAmount:      dec("250"),
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Replayed {
		t.Fatal("fresh apply reported as replay")
	}
	if !res.PreviousBalance.Equal(dec("1000")) {
		t.Fatalf("previous balance = %s, want 1000", res.PreviousBalance)
	}
	if !res.NewBalance.Equal(dec("1150")) {
		t.Fatalf("new balance = %s, want 1150", res.NewBalance)
	}
	if got := store.balance("u1"); !got.Equal(dec("1150")) {
		t.Fatalf("stored balance = %s, want 1150", got)
	}
	if store.entryCount() != 1 {
		t.Fatalf("entry count = %d, want 1", store.entryCount())
	}
}

func TestApplyReplaysIdempotencyKey(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("1000")
	eng := testEngine(store)

	req := domain.TransactionRequest{
		UserID:         "u1",
		GameID:         "roulette",
		BetAmount:      dec("100"),
		WinAmount:      dec("250"),
		IdempotencyKey: "req-7",
	}

	first, err := eng.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	second, err := eng.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if !second.Replayed {
		t.Fatal("second apply not marked as replay")
	}
	if !second.NewBalance.Equal(first.NewBalance) {
		t.Fatalf("replay balance = %s, want %s", second.NewBalance, first.NewBalance)
	}
	if got := store.balance("u1"); !got.Equal(dec("1150")) {
		t.Fatalf("stored balance = %s, want 1150 after replay", got)
	}
	if store.entryCount() != 1 {
		t.Fatalf("entry count = %d, want 1", store.entryCount())
	}
}

func TestApplyReplayFromStoreOnly(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("900")
	store.entries["req-3"] = domain.LedgerEntry{
		ID:              "e1",
		UserID:          "u1",
		GameID:          "case",
		PreviousBalance: dec("1000"),
		NewBalance:      dec("900"),
		BetAmount:       dec("100"),
		WinAmount:       dec("0"),
		IdempotencyKey:  "req-3",
	}
	eng := testEngine(store)

	res, err := eng.Apply(context.Background(), domain.TransactionRequest{
		UserID:         "u1",
		GameID:         "case",
		BetAmount:      dec("100"),
		WinAmount:      dec("0"),
		IdempotencyKey: "req-3",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Replayed {
		t.Fatal("store-backed replay not marked as replay")
	}
	if got := store.balance("u1"); !got.Equal(dec("900")) {
		t.Fatalf("stored balance = %s, want 900", got)
	}
}

func TestApplyReplayMismatch(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("1000")
	eng := testEngine(store)

	first := domain.TransactionRequest{
		UserID:         "u1",
		GameID:         "roulette",
		BetAmount:      dec("100"),
		WinAmount:      dec("0"),
		IdempotencyKey: "req-9",
	}
	if _, err := eng.Apply(context.Background(), first); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	altered := first
	altered.BetAmount = dec("200")
	_, err := eng.Apply(context.Background(), altered)
	if !errors.Is(err, domain.ErrReplayMismatch) {
		t.Fatalf("error = %v, want ErrReplayMismatch", err)
	}
	if got := store.balance("u1"); !got.Equal(dec("900")) {
		t.Fatalf("stored balance = %s, want 900 unchanged", got)
	}
}

func TestApplyInsufficientFunds(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("50")
	eng := testEngine(store)

	_, err := eng.Apply(context.Background(), domain.TransactionRequest{
		UserID:         "u1",
		BetAmount:      dec("100"),
		WinAmount:      dec("0"),
		IdempotencyKey: "req-low",
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if got := store.balance("u1"); !got.Equal(dec("50")) {
		t.Fatalf("stored balance = %s, want 50 unchanged", got)
	}
	if store.entryCount() != 0 {
		t.Fatalf("entry count = %d, want 0", store.entryCount())
	}
}

func TestApplyRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  domain.TransactionRequest
	}{
		{"empty user", domain.TransactionRequest{BetAmount: dec("1")}},
		{"negative bet", domain.TransactionRequest{UserID: "u1", BetAmount: dec("-1")}},
		{"negative win", domain.TransactionRequest{UserID: "u1", BetAmount: dec("1"), WinAmount: dec("-5")}},
	}

	eng := testEngine(newFakeLedgerStore())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Apply(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrInvalidBet) {
				t.Fatalf("error = %v, want ErrInvalidBet", err)
			}
		})
	}
}

func TestApplyGeneratesKeyWhenEmpty(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("100")
	eng := testEngine(store)

	req := domain.TransactionRequest{UserID: "u1", BetAmount: dec("10"), WinAmount: dec("0")}
	first, err := eng.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if first.Entry.IdempotencyKey == "" {
		t.Fatal("generated key is empty")
	}

	// Without a caller key, each call is its own transaction.
	if _, err := eng.Apply(context.Background(), req); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if got := store.balance("u1"); !got.Equal(dec("80")) {
		t.Fatalf("stored balance = %s, want 80", got)
	}
	if store.entryCount() != 2 {
		t.Fatalf("entry count = %d, want 2", store.entryCount())
	}
}

func TestApplyConcurrentSameUser(t *testing.T) {
	t.Parallel()

	const workers = 20

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("200")
	eng := testEngine(store)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Apply(context.Background(), domain.TransactionRequest{
				UserID:    "u1",
				BetAmount: dec("10"),
				WinAmount: dec("0"),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	if got := store.balance("u1"); !got.Equal(dec("0")) {
		t.Fatalf("stored balance = %s, want 0", got)
	}
	if store.entryCount() != workers {
		t.Fatalf("entry count = %d, want %d", store.entryCount(), workers)
	}
}

func TestApplyRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("100")
	store.failFor = 2
	eng := testEngine(store)

	res, err := eng.Apply(context.Background(), domain.TransactionRequest{
		UserID:         "u1",
		BetAmount:      dec("10"),
		WinAmount:      dec("0"),
		IdempotencyKey: "req-retry",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.NewBalance.Equal(dec("90")) {
		t.Fatalf("new balance = %s, want 90", res.NewBalance)
	}
	if store.applies != 3 {
		t.Fatalf("apply attempts = %d, want 3", store.applies)
	}
}

func TestApplyPersistenceExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeLedgerStore()
	store.balances["u1"] = dec("100")
	store.failFor = 100
	eng := testEngine(store)

	_, err := eng.Apply(context.Background(), domain.TransactionRequest{
		UserID:         "u1",
		BetAmount:      dec("10"),
		WinAmount:      dec("0"),
		IdempotencyKey: "req-dead",
	})
	if !errors.Is(err, domain.ErrPersistenceFailed) {
		t.Fatalf("error = %v, want ErrPersistenceFailed", err)
	}
	if got := store.balance("u1"); !got.Equal(dec("100")) {
		t.Fatalf("stored balance = %s, want 100 unchanged", got)
	}
	if store.entryCount() != 0 {
		t.Fatalf("entry count = %d, want 0", store.entryCount())
	}
}

type hungLedgerStore struct{}

func (hungLedgerStore) GetBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Decimal{}, ctx.Err()
}

func (hungLedgerStore) ApplyEntry(ctx context.Context, _ domain.LedgerEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hungLedgerStore) GetByIdempotencyKey(_ context.Context, _ string) (domain.LedgerEntry, error) {
	return domain.LedgerEntry{}, domain.ErrNotFound
}

// A store that never answers must not wedge the engine. Each attempt runs
// under the configured store timeout and counts as a failure.
func TestApplyHungStoreBoundedByTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{
		IdempotencyTTL: time.Minute,
		ApplyRetryMax:  2,
		RetryBaseDelay: time.Millisecond,
		StoreTimeout:   20 * time.Millisecond,
		LockTTL:        time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := NewEngine(cfg, hungLedgerStore{}, newFakeIdemCache(), nil, logger)

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := eng.Apply(context.Background(), domain.TransactionRequest{
			UserID:         "u1",
			BetAmount:      dec("10"),
			WinAmount:      dec("0"),
			IdempotencyKey: "req-hung",
		})
		done <- result{err: err}
	}()

	select {
	case res := <-done:
		if !errors.Is(res.err, domain.ErrPersistenceFailed) {
			t.Fatalf("error = %v, want ErrPersistenceFailed", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Apply still blocked after 2s; store calls are unbounded")
	}
}
