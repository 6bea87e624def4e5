package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kimpbot/internal/arbitrage"
	"github.com/alanyoungcy/kimpbot/internal/cycle"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/exchange"
	"github.com/alanyoungcy/kimpbot/internal/exchange/paper"
	"github.com/alanyoungcy/kimpbot/internal/executor"
	"github.com/alanyoungcy/kimpbot/internal/feed"
	"github.com/alanyoungcy/kimpbot/internal/metrics"
	"github.com/alanyoungcy/kimpbot/internal/notify"
	"github.com/alanyoungcy/kimpbot/internal/pipeline"
	"github.com/alanyoungcy/kimpbot/internal/scheduler"
	"github.com/alanyoungcy/kimpbot/internal/server"
	"github.com/alanyoungcy/kimpbot/internal/server/handler"
	"github.com/alanyoungcy/kimpbot/internal/server/ws"
	"github.com/alanyoungcy/kimpbot/internal/service"
)

// Engine is the assembled set of long-running components.
type Engine struct {
	Metrics   *metrics.Registry
	Notifier  *notify.Notifier
	Prices    *service.PriceService
	Hub       *feed.Hub
	Poller    *feed.Poller
	WS        *feed.WSSource // nil without a relay URL
	Capital   *service.CapitalService
	Detector  *arbitrage.Detector
	Machine   *cycle.Machine
	Scheduler *scheduler.Scheduler
	Archiver  *pipeline.Archiver // nil when archiving is disabled
	Events    *ws.Hub
	Server    *server.Server // nil when the server is disabled
}

// Build assembles the engine over deps without starting anything.
func (a *App) Build(deps *Dependencies) (*Engine, error) {
	cfg := a.cfg
	logger := a.logger
	e := &Engine{Metrics: metrics.New()}

	e.Notifier = notify.NewNotifier(append([]notify.Sender{notify.NewLogSender(logger)}, senders(cfg)...),
		notifyConfig(cfg), a.clock, logger)

	e.Prices = service.NewPriceService(deps.Prices, deps.Books, deps.Volumes, deps.Bus, logger)
	e.Hub = feed.NewHub(feed.HubConfig{
		Bus:     deps.Bus,
		Prices:  deps.Prices,
		Books:   deps.Books,
		Volumes: deps.Volumes,
		Buffer:  cfg.Feed.Buffer,
		Logger:  logger,
	})
	ports := make([]domain.ExchangePort, 0, 2)
	for _, v := range []domain.Venue{deps.Pair.KRW, deps.Pair.USD} {
		p, err := deps.Venues.Get(v)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		ports = append(ports, p)
	}
	e.Poller = feed.NewPoller(pollerConfig(cfg), ports, e.Prices, logger)
	if cfg.Feed.WSURL != "" {
		e.WS = feed.NewWSSource(feed.WSSourceConfig{URL: cfg.Feed.WSURL, Symbols: cfg.Trading.Symbols}, e.Prices, logger)
	}

	e.Capital = service.NewCapitalService(deps.Portfolio, capitalConfig(cfg), logger)
	eval := arbitrage.NewEvaluator(evaluatorConfig(cfg, deps.Pair), e.Hub, logger)
	e.Detector = arbitrage.NewDetector(arbitrage.DetectorConfig{
		Evaluator:   eval,
		Feed:        e.Hub,
		FX:          deps.FX,
		Sizer:       e.Capital,
		Symbols:     cfg.Trading.Symbols,
		Reverse:     cfg.Trading.Reverse,
		MaxPriceAge: cfg.Feed.MaxPriceAge.Duration,
		Clock:       a.clock,
		Logger:      logger,
	})

	exec, err := executor.NewExecutor(deps.Venues.Ports(), deps.Pair, e.Notifier, a.clock, executorConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	e.Machine = cycle.New(cycleConfig(cfg), cycle.Deps{
		Store:    deps.Cycles,
		Runner:   exec,
		Search:   e.Detector,
		Ledger:   e.Capital,
		Notifier: e.Notifier,
		Audit:    deps.Audit,
		Bus:      deps.Bus,
		Observer: e.Metrics,
		Clock:    a.clock,
		Logger:   logger,
	})
	e.Scheduler = scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Cycles:   e.Machine,
		Detector: e.Detector,
		Capital:  e.Capital,
		Sessions: deps.Sessions,
		Locker:   deps.Locker,
		Valuer:   exchange.NewValuer(deps.Pair, deps.Venues, deps.FX),
		Clock:    a.clock,
		Logger:   logger,
	})

	e.Metrics.MustRegister(metrics.NewSessionCollector(e.Scheduler.Sessions))
	e.Metrics.GaugeFunc("feed_ticks_dropped", "Price ticks dropped for slow subscribers.",
		func() float64 { return float64(e.Hub.Dropped()) })
	e.Metrics.GaugeFunc("capital_reserved_krw", "Capital committed to open cycles.", e.Capital.Reserved)

	if deps.Archive != nil {
		e.Archiver = pipeline.NewArchiver(pipeline.ArchiverConfig{
			Retention: cfg.Archive.Retention.Duration,
			Interval:  cfg.Archive.Interval.Duration,
			BatchSize: cfg.Archive.BatchSize,
		}, deps.Cycles, deps.Archive, deps.Audit, a.clock, logger)
	}

	e.Events = ws.NewHub(deps.Bus, ws.Config{
		Channels: []string{cycle.EventChannel, service.PricesChannel},
		Default:  []string{cycle.EventChannel},
		Status:   func() any { return map[string]any{"sessions": e.Scheduler.Sessions()} },
	}, logger)

	if cfg.Server.Enabled {
		e.Server = server.NewServer(serverConfig(cfg), server.Handlers{
			Health:   handler.NewHealthHandler(cfg.Mode, deps.Checks, logger),
			Sessions: handler.NewSessionHandler(e.Scheduler),
			Cycles:   handler.NewCycleHandler(deps.Cycles, logger),
			Status:   handler.NewStatusHandler(cfg.Mode, deps.Pair, deps.Portfolio, deps.Audit),
			History:  handler.NewEventHandler(deps.Bus, cycle.EventChannel),
			Metrics:  e.Metrics.Handler(),
			Events:   e.Events,
		}, deps.Limiter, logger)
	}
	return e, nil
}

// runEngine starts every component in one errgroup. The market feed comes up
// first so the scheduler's recovery and seeding see cached prices.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	e, err := a.Build(deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.Hub.Run(ctx) })
	select {
	case <-e.Hub.Ready():
	case <-ctx.Done():
		return g.Wait()
	}
	g.Go(func() error { return e.Notifier.Run(ctx) })
	g.Go(func() error { return e.Events.Run(ctx) })

	if e.WS != nil {
		g.Go(func() error { return e.WS.Run(ctx) })
		if len(deps.Paper) > 0 {
			g.Go(func() error { return a.mirrorPaper(ctx, e.Hub, deps.Paper) })
		}
	}
	e.Poller.PollOnce(ctx)
	g.Go(func() error { return e.Poller.Run(ctx) })

	if err := e.Scheduler.Start(ctx); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("app: scheduler start: %w", err), ignoreCanceled(g.Wait()))
	}
	g.Go(func() error { return e.Detector.Run(ctx, e.Scheduler) })
	g.Go(func() error { return e.Scheduler.Run(ctx) })

	if e.Archiver != nil {
		g.Go(func() error { return e.Archiver.Run(ctx) })
	}
	if e.Server != nil {
		g.Go(func() error { return e.Server.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "engine running",
		slog.Int("sessions", a.cfg.Scheduler.Sessions),
		slog.Int("symbols", len(a.cfg.Trading.Symbols)),
		slog.Bool("archive", e.Archiver != nil),
		slog.Bool("server", e.Server != nil),
	)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// mirrorPaper copies streamed prices into the books of the simulated venues
// so paper fills follow the real market.
func (a *App) mirrorPaper(ctx context.Context, hub *feed.Hub, venues map[domain.Venue]*paper.Exchange) error {
	p := a.cfg.Paper
	ticks := hub.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			if ex, ok := venues[t.Venue]; ok {
				ex.MirrorPrice(t.Symbol, t.Price, p.HalfSpreadPct/100, p.LevelQty, p.Levels)
			}
		}
	}
}
