package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
//
// Balance mutations run in a single transaction with the account row locked,
// so either the whole entry lands (ledger row plus balance update) or nothing
// does. The unique index on idempotency_key is the durable dedup.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `id, user_id, game_id, previous_balance::text, new_balance::text,
	bet_amount::text, win_amount::text, idempotency_key, metadata, created_at`

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		entry                domain.LedgerEntry
		prev, next, bet, win string
	)
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.GameID, &prev, &next,
		&bet, &win, &entry.IdempotencyKey, &entry.Metadata, &entry.CreatedAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	for dst, src := range map[*decimal.Decimal]string{
		&entry.PreviousBalance: prev,
		&entry.NewBalance:      next,
		&entry.BetAmount:       bet,
		&entry.WinAmount:       win,
	} {
		d, err := decimal.NewFromString(src)
		if err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("parse amount %q: %w", src, err)
		}
		*dst = d
	}
	return entry, nil
}

// GetBalance returns the user's balance, creating a zero-balance account on
// first sight of the user.
func (s *LedgerStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	const query = `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING balance::text`

	var raw string
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: get balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: parse balance %q: %w", raw, err)
	}
	return balance, nil
}

// ApplyEntry atomically records entry and moves the balance to
// entry.NewBalance. Returns domain.ErrBalanceConflict when the stored balance
// no longer matches entry.PreviousBalance, domain.ErrDuplicateKey when the
// idempotency key was already applied.
func (s *LedgerStore) ApplyEntry(ctx context.Context, entry domain.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin apply entry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT balance::text FROM accounts WHERE user_id = $1 FOR UPDATE`,
		entry.UserID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: apply entry for unknown user %s: %w", entry.UserID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: lock account: %w", err)
	}

	balance, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("postgres: parse balance %q: %w", current, err)
	}
	if !balance.Equal(entry.PreviousBalance) {
		return fmt.Errorf("postgres: balance moved from %s to %s: %w",
			entry.PreviousBalance, balance, domain.ErrBalanceConflict)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, user_id, game_id, previous_balance, new_balance,
			bet_amount, win_amount, idempotency_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.UserID, entry.GameID,
		entry.PreviousBalance.String(), entry.NewBalance.String(),
		entry.BetAmount.String(), entry.WinAmount.String(),
		entry.IdempotencyKey, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: idempotency key %s already applied: %w",
				entry.IdempotencyKey, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("postgres: insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2`,
		entry.NewBalance.String(), entry.UserID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit apply entry: %w", err)
	}
	return nil
}

// GetByIdempotencyKey returns the entry applied under key, or
// domain.ErrNotFound.
func (s *LedgerStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM ledger_entries WHERE idempotency_key = $1`
	entry, err := scanLedgerEntry(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get entry by key: %w", err)
	}
	return entry, nil
}
