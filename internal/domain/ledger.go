package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry records a single balance mutation. Entries are append-only and
// never mutated after creation.
//
// Invariant: NewBalance = PreviousBalance - BetAmount + WinAmount, exactly.
type LedgerEntry struct {
	ID              string
	UserID          string
	GameID          string
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	BetAmount       decimal.Decimal
	WinAmount       decimal.Decimal
	IdempotencyKey  string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// TransactionRequest describes one balance mutation to apply. BetAmount and
// WinAmount must both be non-negative; either may be zero.
type TransactionRequest struct {
	UserID    string
	GameID    string
	BetAmount decimal.Decimal
	WinAmount decimal.Decimal
	Metadata  map[string]string

	// IdempotencyKey identifies the logical operation across client retries.
	// When empty, the engine generates one, which disables cross-request
	// deduplication for this call.
	IdempotencyKey string
}

// TransactionResult is the outcome of an applied (or replayed) transaction.
type TransactionResult struct {
	Entry           LedgerEntry
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal

	// Replayed is true when the result was served from a previously applied
	// entry with the same idempotency key rather than a fresh mutation.
	Replayed bool
}
