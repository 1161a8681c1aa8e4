package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/betforge/gamecore/internal/domain"
)

// CandleArchiveStore provides the candle queries the archiver needs. The
// Postgres candle store satisfies it; the archiver never sees the rest of
// the store surface.
type CandleArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Candle, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver: old candles are serialized to JSONL,
// uploaded one object per calendar month, and only then deleted from the
// primary store. A month object that already exists is merged rather than
// replaced, deduplicated on open time, so a cutoff landing mid-month extends
// the object and a crashed run does not duplicate rows.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	candles CandleArchiveStore
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, candles CandleArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		candles: candles,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveCandles moves all candles opening before the cutoff into object
// storage at archive/candles/YYYY-MM.jsonl and deletes them from the primary
// store. Returns the number of candles archived.
func (a *Archiver) ArchiveCandles(ctx context.Context, before time.Time) (int64, error) {
	candles, err := a.candles.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles query: %w", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}

	// ListBefore returns oldest first, so each month's candles are
	// contiguous and ordered within their object.
	byMonth := make(map[string][]domain.Candle)
	var months []string
	for _, c := range candles {
		month := c.OpenTime.UTC().Format("2006-01")
		if _, ok := byMonth[month]; !ok {
			months = append(months, month)
		}
		byMonth[month] = append(byMonth[month], c)
	}

	for _, month := range months {
		path := candleArchivePath(month)
		batch := byMonth[month]

		archived, err := a.Archived(ctx, month)
		if err != nil {
			return 0, err
		}
		if archived {
			batch, err = a.mergePrior(ctx, path, batch)
			if err != nil {
				return 0, err
			}
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive candles marshal %s: %w", month, err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive candles upload %s: %w", month, err)
		}
		a.logger.InfoContext(ctx, "candle archive uploaded",
			slog.String("path", path),
			slog.Int("count", len(batch)),
			slog.Bool("merged", archived),
		)
	}

	// Delete only after every month is safely uploaded.
	deleted, err := a.candles.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles delete: %w", err)
	}
	return deleted, nil
}

// Archived reports whether an archive object already exists for the given
// month ("2006-01" format).
func (a *Archiver) Archived(ctx context.Context, month string) (bool, error) {
	ok, err := a.reader.Exists(ctx, candleArchivePath(month))
	if err != nil {
		return false, fmt.Errorf("s3blob: check archive %s: %w", month, err)
	}
	return ok, nil
}

// mergePrior folds the already-uploaded month object into the fresh batch,
// deduplicated on open time with the fresh row winning, sorted
// chronologically.
func (a *Archiver) mergePrior(ctx context.Context, path string, fresh []domain.Candle) ([]domain.Candle, error) {
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		// Object deleted between the Exists check and the read.
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: read prior archive %s: %w", path, err)
	}
	defer rc.Close()

	byOpen := make(map[int64]domain.Candle)
	dec := json.NewDecoder(rc)
	for {
		var c domain.Candle
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("s3blob: decode prior archive %s: %w", path, err)
		}
		byOpen[c.OpenTime.UnixNano()] = c
	}
	for _, c := range fresh {
		byOpen[c.OpenTime.UnixNano()] = c
	}

	merged := make([]domain.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})
	return merged, nil
}

func candleArchivePath(month string) string {
	return fmt.Sprintf("archive/candles/%s.jsonl", month)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON, one
// compact line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
