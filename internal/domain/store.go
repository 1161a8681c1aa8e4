package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStateStore persists the singleton market state document.
type MarketStateStore interface {
	// Save overwrites the persisted state.
	Save(ctx context.Context, state MarketState) error
	// Load returns the persisted state, or ErrNotFound if none exists yet.
	Load(ctx context.Context) (MarketState, error)
}

// CandleStore persists closed candles (append-only) and the single mutable
// in-progress candle.
type CandleStore interface {
	// Append stores a closed candle.
	Append(ctx context.Context, candle Candle) error
	// ListRecent returns up to limit closed candles, newest first.
	ListRecent(ctx context.Context, limit int) ([]Candle, error)
	// ListBefore returns closed candles opened strictly before the cutoff,
	// oldest first. Used by the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]Candle, error)
	// DeleteBefore removes closed candles opened strictly before the cutoff
	// and returns the number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// SaveCurrent overwrites the persisted in-progress candle.
	SaveCurrent(ctx context.Context, candle Candle) error
	// LoadCurrent returns the persisted in-progress candle, or ErrNotFound.
	LoadCurrent(ctx context.Context) (Candle, error)
}

// LedgerStore persists accounts and the append-only ledger.
type LedgerStore interface {
	// GetBalance returns the user's current balance, creating a zero-balance
	// account on first sight.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// ApplyEntry atomically verifies that the stored balance still equals
	// entry.PreviousBalance, inserts the entry, and updates the balance to
	// entry.NewBalance in one transaction. It returns
	// ErrBalanceConflict if the balance moved since it was read and
	// ErrDuplicateKey if the idempotency key already exists.
	ApplyEntry(ctx context.Context, entry LedgerEntry) error

	// GetByIdempotencyKey returns the previously applied entry for the key,
	// or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (LedgerEntry, error)
}
