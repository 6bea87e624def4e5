// Package app wires the engine together: stores, caches, venues, the market
// feed, the cycle machine, the session scheduler and the HTTP surface. The
// mode picks the backends; "paper" keeps everything in process and "live"
// uses PostgreSQL, Redis and S3.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/config"
)

// App owns one engine run. Resources acquired by Run are released by Close,
// last acquired first.
type App struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	closers []func()
}

// New returns an App on the wall clock.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run connects the backends for the configured mode and blocks in the engine
// until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting kimpbot",
		slog.String("mode", a.cfg.Mode),
		slog.String("krw_venue", a.cfg.Venues.KRW.Name),
		slog.String("usd_venue", a.cfg.Venues.USD.Name),
		slog.Any("symbols", a.cfg.Trading.Symbols),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return a.runEngine(ctx, deps)
}

// Close releases everything Run acquired. Repeated calls do nothing.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("closers", len(a.closers)))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
