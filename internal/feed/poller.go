package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	Symbols  []string
	Depth    int
	Interval time.Duration
	// VolumeEvery refreshes 24h volumes on every Nth poll.
	VolumeEvery int
}

// Poller refreshes books and volumes from exchange REST endpoints into an
// Ingestor. Each venue is polled on its own goroutine per round.
type Poller struct {
	cfg    PollerConfig
	ports  []domain.ExchangePort
	ingest Ingestor
	logger *slog.Logger
	rounds atomic.Int64
}

// NewPoller creates a poller over ports.
func NewPoller(cfg PollerConfig, ports []domain.ExchangePort, ingest Ingestor, logger *slog.Logger) *Poller {
	if cfg.Depth <= 0 {
		cfg.Depth = 15
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.VolumeEvery <= 0 {
		cfg.VolumeEvery = 60
	}
	return &Poller{
		cfg:    cfg,
		ports:  ports,
		ingest: ingest,
		logger: logger.With(slog.String("component", "feed_poller")),
	}
}

// Run polls every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		slog.Int("venues", len(p.ports)),
		slog.Int("symbols", len(p.cfg.Symbols)),
		slog.Duration("interval", p.cfg.Interval),
	)
	defer p.logger.Info("poller stopped")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs one round over every venue and symbol. Failures are logged
// per symbol and never abort the round.
func (p *Poller) PollOnce(ctx context.Context) {
	round := p.rounds.Add(1) - 1
	withVolume := round%int64(p.cfg.VolumeEvery) == 0

	var g errgroup.Group
	for _, port := range p.ports {
		g.Go(func() error {
			p.pollVenue(ctx, port, withVolume)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) pollVenue(ctx context.Context, port domain.ExchangePort, withVolume bool) {
	venue := port.Name()
	for _, sym := range p.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		book, err := port.GetOrderBook(ctx, sym, p.cfg.Depth)
		if err == nil {
			book.Venue, book.Symbol = venue, sym
			err = p.ingest.HandleBook(ctx, book)
		}
		if err != nil {
			p.logger.Warn("poll book failed",
				slog.String("venue", string(venue)),
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !withVolume {
			continue
		}
		info, err := port.GetTickerInfo(ctx, sym)
		if err == nil {
			err = p.ingest.HandleTicker(ctx, venue, info)
		}
		if err != nil {
			p.logger.Warn("poll ticker failed",
				slog.String("venue", string(venue)),
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
		}
	}
}
