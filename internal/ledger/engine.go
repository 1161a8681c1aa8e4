// Package ledger implements the transaction engine: exactly-once balance
// mutation under concurrent, possibly-retried requests. Per-user locks
// serialize read-modify-write on a single balance, a singleflight group
// collapses concurrent duplicates of the same idempotency key, and the
// ledger store's unique key index is the durable backstop.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/betforge/gamecore/internal/domain"
)

// Config holds the engine's retry and retention tuning.
type Config struct {
	// IdempotencyTTL is how long applied results stay replayable: long
	// enough to absorb client retries, short enough to bound memory.
	IdempotencyTTL time.Duration

	// ApplyRetryMax bounds retries of the durable write on transient
	// failure; exhaustion surfaces domain.ErrPersistenceFailed with no
	// visible balance change.
	ApplyRetryMax  int
	RetryBaseDelay time.Duration

	// StoreTimeout bounds each store call; a hung connection counts as a
	// failed attempt instead of stalling the transaction.
	StoreTimeout time.Duration

	// LockTTL is the distributed per-user lock lifetime.
	LockTTL time.Duration
}

// Engine applies game transactions to user balances.
type Engine struct {
	cfg    Config
	store  domain.LedgerStore
	cache  domain.IdempotencyCache
	locks  domain.LockManager // optional cross-process lock, may be nil
	users  *keyedMutex
	flight singleflight.Group
	logger *slog.Logger
}

// NewEngine creates an Engine. cache absorbs replay lookups before they reach
// the store; locks adds cross-process serialization and may be nil for
// single-process deployments.
func NewEngine(
	cfg Config,
	store domain.LedgerStore,
	cache domain.IdempotencyCache,
	locks domain.LockManager,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		locks:  locks,
		users:  newKeyedMutex(),
		logger: logger.With(slog.String("component", "ledger_engine")),
	}
}

// Apply applies one balance mutation exactly once. A retried request with the
// same idempotency key returns the originally applied entry; a concurrent
// duplicate awaits the first call's result instead of racing it. On any
// error the balance is unchanged.
func (e *Engine) Apply(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResult, error) {
	if req.UserID == "" {
		return domain.TransactionResult{}, fmt.Errorf("ledger: empty user id: %w", domain.ErrInvalidBet)
	}
	if req.BetAmount.IsNegative() || req.WinAmount.IsNegative() {
		return domain.TransactionResult{}, fmt.Errorf("ledger: negative amounts (bet=%s win=%s): %w",
			req.BetAmount, req.WinAmount, domain.ErrInvalidBet)
	}

	key := req.IdempotencyKey
	generated := key == ""
	if generated {
		key = uuid.New().String()
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.apply(ctx, req, key, generated)
	})
	if err != nil {
		return domain.TransactionResult{}, err
	}
	return v.(domain.TransactionResult), nil
}

func (e *Engine) apply(ctx context.Context, req domain.TransactionRequest, key string, generated bool) (domain.TransactionResult, error) {
	// Replay path: a key we have already applied returns the original entry
	// without touching the balance.
	if !generated {
		if res, ok, err := e.lookupReplay(ctx, req, key); err != nil {
			return domain.TransactionResult{}, err
		} else if ok {
			return res, nil
		}
	}

	unlock := e.users.Lock(req.UserID)
	defer unlock()

	if e.locks != nil {
		release, err := e.acquireUserLock(ctx, req.UserID)
		if err != nil {
			return domain.TransactionResult{}, err
		}
		defer release()
	}

	// Bounded CAS loop: with the user serialized a conflict means another
	// process raced us between read and write, so re-read and try again.
	var lastErr error
	for attempt := 0; attempt <= e.cfg.ApplyRetryMax; attempt++ {
		var balance decimal.Decimal
		if err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			balance, err = e.store.GetBalance(ctx, req.UserID)
			return err
		}); err != nil {
			return domain.TransactionResult{}, fmt.Errorf("ledger: read balance: %w: %v",
				domain.ErrPersistenceFailed, err)
		}

		if balance.LessThan(req.BetAmount) {
			return domain.TransactionResult{}, fmt.Errorf("ledger: balance %s < bet %s: %w",
				balance, req.BetAmount, domain.ErrInsufficientFunds)
		}

		entry := domain.LedgerEntry{
			ID:              uuid.New().String(),
			UserID:          req.UserID,
			GameID:          req.GameID,
			PreviousBalance: balance,
			NewBalance:      balance.Sub(req.BetAmount).Add(req.WinAmount),
			BetAmount:       req.BetAmount,
			WinAmount:       req.WinAmount,
			IdempotencyKey:  key,
			Metadata:        req.Metadata,
			CreatedAt:       time.Now().UTC(),
		}

		err := e.withRetry(ctx, func(ctx context.Context) error {
			return e.store.ApplyEntry(ctx, entry)
		})
		switch {
		case err == nil:
			e.cacheResult(ctx, key, entry)
			e.logger.InfoContext(ctx, "transaction applied",
				slog.String("user_id", entry.UserID),
				slog.String("game_id", entry.GameID),
				slog.String("bet", entry.BetAmount.String()),
				slog.String("win", entry.WinAmount.String()),
				slog.String("new_balance", entry.NewBalance.String()),
			)
			return domain.TransactionResult{
				Entry:           entry,
				PreviousBalance: entry.PreviousBalance,
				NewBalance:      entry.NewBalance,
			}, nil

		case errors.Is(err, domain.ErrDuplicateKey):
			// Another process applied this key after our replay lookup.
			res, ok, lookupErr := e.lookupReplay(ctx, req, key)
			if lookupErr != nil {
				return domain.TransactionResult{}, lookupErr
			}
			if !ok {
				return domain.TransactionResult{}, fmt.Errorf("ledger: duplicate key %s but entry missing: %w",
					key, domain.ErrPersistenceFailed)
			}
			return res, nil

		case errors.Is(err, domain.ErrBalanceConflict):
			lastErr = err
			continue

		default:
			return domain.TransactionResult{}, fmt.Errorf("ledger: apply entry: %w: %v",
				domain.ErrPersistenceFailed, err)
		}
	}

	return domain.TransactionResult{}, fmt.Errorf("ledger: conflict retries exhausted: %w: %v",
		domain.ErrPersistenceFailed, lastErr)
}

// lookupReplay checks the idempotency cache, then the ledger store, for an
// entry already applied under key. A hit with different arguments is a caller
// error, not a replay.
func (e *Engine) lookupReplay(ctx context.Context, req domain.TransactionRequest, key string) (domain.TransactionResult, bool, error) {
	entry, err := e.cachedEntry(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		entry, err = e.store.GetByIdempotencyKey(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TransactionResult{}, false, nil
		}
		if err != nil {
			return domain.TransactionResult{}, false, fmt.Errorf("ledger: replay lookup: %w", err)
		}
		e.cacheResult(ctx, key, entry)
	} else if err != nil {
		return domain.TransactionResult{}, false, fmt.Errorf("ledger: replay lookup: %w", err)
	}

	if entry.UserID != req.UserID ||
		!entry.BetAmount.Equal(req.BetAmount) ||
		!entry.WinAmount.Equal(req.WinAmount) ||
		entry.GameID != req.GameID {
		return domain.TransactionResult{}, false, fmt.Errorf("ledger: key %s seen with different arguments: %w",
			key, domain.ErrReplayMismatch)
	}

	return domain.TransactionResult{
		Entry:           entry,
		PreviousBalance: entry.PreviousBalance,
		NewBalance:      entry.NewBalance,
		Replayed:        true,
	}, true, nil
}

func (e *Engine) cachedEntry(ctx context.Context, key string) (domain.LedgerEntry, error) {
	if e.cache == nil {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return e.cache.Get(ctx, key)
}

func (e *Engine) cacheResult(ctx context.Context, key string, entry domain.LedgerEntry) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, key, entry, e.cfg.IdempotencyTTL); err != nil {
		// The store's unique index still answers replays; losing the cache
		// only costs a query.
		e.logger.WarnContext(ctx, "idempotency cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) acquireUserLock(ctx context.Context, userID string) (func(), error) {
	delay := e.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		release, err := e.locks.Acquire(ctx, "user:"+userID, e.cfg.LockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || attempt >= e.cfg.ApplyRetryMax {
			return nil, fmt.Errorf("ledger: user lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// withRetry retries op with exponential backoff on transient failure, each
// attempt bounded by StoreTimeout. Domain sentinels are terminal and returned
// immediately.
func (e *Engine) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	delay := e.cfg.RetryBaseDelay
	for attempt := 0; attempt <= e.cfg.ApplyRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = e.storeAttempt(ctx, op)
		if err == nil ||
			errors.Is(err, domain.ErrDuplicateKey) ||
			errors.Is(err, domain.ErrBalanceConflict) ||
			errors.Is(err, domain.ErrInsufficientFunds) ||
			errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return err
}

func (e *Engine) storeAttempt(ctx context.Context, op func(ctx context.Context) error) error {
	if e.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
	}
	return op(ctx)
}
