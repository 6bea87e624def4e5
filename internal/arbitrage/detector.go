package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Sizer returns the investment the next cycle would commit.
type Sizer interface {
	Investment(ctx context.Context) (float64, error)
}

// Sink receives opportunities that passed every filter.
type Sink interface {
	Offer(ctx context.Context, opp domain.Opportunity)
}

// Detector evaluates symbols against the latest cached prices, either on
// every inbound tick (Run) or on demand (Candidates).
type Detector struct {
	eval    *Evaluator
	feed    domain.PriceFeed
	fx      domain.FXRateSource
	sizer   Sizer
	symbols []string
	reverse bool
	maxAge  time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Evaluator *Evaluator
	Feed      domain.PriceFeed
	FX        domain.FXRateSource
	Sizer     Sizer
	Symbols   []string
	// Reverse enables REVERSE-direction candidates on the push path.
	Reverse bool
	// MaxPriceAge rejects cached prices older than this; 0 accepts any age.
	MaxPriceAge time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// NewDetector creates a detector over the configured symbols.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Detector{
		eval:    cfg.Evaluator,
		feed:    cfg.Feed,
		fx:      cfg.FX,
		sizer:   cfg.Sizer,
		symbols: cfg.Symbols,
		reverse: cfg.Reverse,
		maxAge:  cfg.MaxPriceAge,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(slog.String("component", "detector")),
	}
}

// Symbols returns the configured symbol universe.
func (d *Detector) Symbols() []string { return d.symbols }

// Run consumes the price-tick stream and offers every opportunity found for
// the ticked symbol to sink. It blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, sink Sink) error {
	ticks := d.feed.Subscribe(ctx)
	d.logger.Info("detector started", slog.Int("symbols", len(d.symbols)))
	defer d.logger.Info("detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if !slices.Contains(d.symbols, tick.Symbol) {
				continue
			}
			if err := d.handleTick(ctx, tick, sink); err != nil {
				d.logger.Warn("detector: handle tick failed",
					slog.String("symbol", tick.Symbol),
					slog.String("venue", string(tick.Venue)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Detector) handleTick(ctx context.Context, tick domain.PriceTick, sink Sink) error {
	investment, err := d.sizer.Investment(ctx)
	if err != nil {
		return fmt.Errorf("size investment: %w", err)
	}
	directions := []domain.Direction{domain.DirectionNormal}
	if d.reverse {
		directions = append(directions, domain.DirectionReverse)
	}
	for _, dir := range directions {
		in, err := d.input(ctx, tick.Symbol, dir, investment, nil)
		if err != nil {
			return err
		}
		if opp, ok := d.eval.Evaluate(ctx, in); ok {
			sink.Offer(ctx, opp)
		}
	}
	return nil
}

// Candidates evaluates every configured symbol in direction dir sized at
// investment, using minNetPct as the floor when non-nil. Symbols whose
// prices are unavailable are skipped. exclude lists symbols held elsewhere.
func (d *Detector) Candidates(ctx context.Context, dir domain.Direction, investment float64,
	minNetPct *float64, exclude []string) []domain.Opportunity {
	var out []domain.Opportunity
	for _, sym := range d.symbols {
		if slices.Contains(exclude, sym) {
			continue
		}
		in, err := d.input(ctx, sym, dir, investment, minNetPct)
		if err != nil {
			d.logger.Debug("candidate skipped", slog.String("symbol", sym), slog.String("error", err.Error()))
			continue
		}
		if opp, ok := d.eval.Evaluate(ctx, in); ok {
			out = append(out, opp)
		}
	}
	return out
}

// Revalidate re-evaluates opp against live prices with the same investment
// and direction. It returns the refreshed opportunity.
func (d *Detector) Revalidate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, bool) {
	in, err := d.input(ctx, opp.Symbol, opp.Direction, opp.InvestmentKRW, nil)
	if err != nil {
		d.logger.Info("revalidation failed", slog.String("symbol", opp.Symbol), slog.String("error", err.Error()))
		return domain.Opportunity{}, false
	}
	return d.eval.Evaluate(ctx, in)
}

func (d *Detector) input(ctx context.Context, symbol string, dir domain.Direction,
	investment float64, minNetPct *float64) (Input, error) {
	pair := d.eval.Config().Pair
	krw, err := d.price(ctx, pair.KRW, symbol)
	if err != nil {
		return Input{}, err
	}
	usd, err := d.price(ctx, pair.USD, symbol)
	if err != nil {
		return Input{}, err
	}
	fx, err := d.fx.Rate(ctx)
	if err != nil {
		return Input{}, fmt.Errorf("fx rate: %w", err)
	}
	return Input{
		Symbol:        symbol,
		PriceKRW:      krw,
		PriceUSD:      usd,
		FXRate:        fx,
		InvestmentKRW: investment,
		Direction:     dir,
		MinNetPct:     minNetPct,
	}, nil
}

// price returns the cached price of symbol on venue, refusing one older than
// the configured maximum age.
func (d *Detector) price(ctx context.Context, venue domain.Venue, symbol string) (float64, error) {
	p, at, err := d.feed.LatestPrice(ctx, venue, symbol)
	if err != nil {
		return 0, fmt.Errorf("price %s/%s: %w", venue, symbol, err)
	}
	if d.maxAge > 0 {
		if age := d.clock.Now().Sub(at); age > d.maxAge {
			return 0, fmt.Errorf("price %s/%s is %s old: %w", venue, symbol, age.Truncate(time.Millisecond), domain.ErrValidation)
		}
	}
	return p, nil
}
