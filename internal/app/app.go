// Package app provides the top-level application lifecycle for gamecore. It
// wires together stores, caches, blob storage, and services, then runs the
// long-lived loops (price simulator, candle archival) until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/betforge/gamecore/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the
// simulator and the archival loop, and blocks until the context is cancelled
// or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("archive_enabled", a.cfg.Archive.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if err := deps.Simulator.Initialize(ctx); err != nil {
		return fmt.Errorf("app: initialize simulator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Simulator.Run(gctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(gctx, deps)
		})
	}

	return g.Wait()
}

// archiveLoop periodically moves candles older than the retention window into
// object storage. Failures are logged and retried on the next interval.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
			n, err := deps.Archiver.ArchiveCandles(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "candle archival failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "candles archived",
					slog.Int64("count", n),
					slog.Time("before", cutoff),
				)
			}
		}
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
