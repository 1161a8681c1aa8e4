package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves old closed candles from the database to cold storage.
type Archiver interface {
	// ArchiveCandles uploads closed candles opened before the cutoff and
	// deletes them from the primary store once the upload succeeds. It
	// returns the number of archived candles.
	ArchiveCandles(ctx context.Context, before time.Time) (int64, error)
}
