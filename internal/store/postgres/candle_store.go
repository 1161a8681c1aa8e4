package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betforge/gamecore/internal/domain"
)

// CandleStore implements domain.CandleStore using PostgreSQL.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a new CandleStore backed by the given connection pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

const candleSelectCols = `open_time, open, high, low, close, volume`

func scanCandleRows(rows pgx.Rows) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Append records a closed candle. A candle for the same window replaces the
// previous row, so replaying a tick after a partial persist is harmless.
func (s *CandleStore) Append(ctx context.Context, c domain.Candle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_candles (open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`,
		c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("postgres: append candle: %w", err)
	}
	return nil
}

// ListRecent returns up to limit candles ordered newest first.
func (s *CandleStore) ListRecent(ctx context.Context, limit int) ([]domain.Candle, error) {
	query := `SELECT ` + candleSelectCols + ` FROM market_candles ORDER BY open_time DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent candles: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent candles: %w", err)
	}
	return candles, nil
}

// ListBefore returns all candles opening strictly before the given time,
// oldest first, for archiving.
func (s *CandleStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Candle, error) {
	query := `SELECT ` + candleSelectCols + ` FROM market_candles WHERE open_time < $1 ORDER BY open_time ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles before: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan candles before: %w", err)
	}
	return candles, nil
}

// DeleteBefore deletes candles opening before the given time. Returns the
// number deleted.
func (s *CandleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM market_candles WHERE open_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete candles before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveCurrent upserts the in-progress candle snapshot.
func (s *CandleStore) SaveCurrent(ctx context.Context, c domain.Candle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_candle_current (id, open_time, open, high, low, close, volume, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			open_time = EXCLUDED.open_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			updated_at = NOW()`,
		c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("postgres: save current candle: %w", err)
	}
	return nil
}

// LoadCurrent returns the in-progress candle snapshot, or domain.ErrNotFound.
func (s *CandleStore) LoadCurrent(ctx context.Context) (domain.Candle, error) {
	var c domain.Candle
	err := s.pool.QueryRow(ctx,
		`SELECT `+candleSelectCols+` FROM market_candle_current WHERE id = 1`,
	).Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Candle{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Candle{}, fmt.Errorf("postgres: load current candle: %w", err)
	}
	return c, nil
}
