// Package app wires the engine's components together and manages the
// application lifecycle: the governed market data path, the streaming trade
// buffer, the analytics estimators, the optional archive backends, and the
// conditional-order job manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapelens/tapelens/internal/config"
	"github.com/tapelens/tapelens/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and
// the cleanup functions that are run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	exec    domain.OrderExecutor
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// WithExecutor attaches the order execution collaborator, enabling the
// conditional-order job manager. Must be called before Run.
func (a *App) WithExecutor(exec domain.OrderExecutor) *App {
	a.exec = exec
	return a
}

// Run wires all dependencies, starts the streaming ingestion, and blocks
// until the context is cancelled. On return it runs all registered cleanup
// functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("rest_host", a.cfg.Upstream.RestHost),
		slog.String("ws_host", a.cfg.Upstream.WsHost),
		slog.Int("symbols", len(a.cfg.Symbols)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.exec, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if deps.Jobs == nil {
		a.logger.Info("no order executor attached, conditional jobs disabled")
	}

	// Prime the tapes from REST so live analytics work before the stream's
	// first message arrives.
	seedBuffer(ctx, deps, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Stream.Run(ctx)
	})
	if deps.TradeArchive != nil {
		retention := time.Duration(a.cfg.Postgres.ArchiveRetentionDays) * 24 * time.Hour
		g.Go(func() error {
			runArchivePruner(ctx, deps.TradeArchive, retention, pruneInterval, a.logger)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down engine")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
