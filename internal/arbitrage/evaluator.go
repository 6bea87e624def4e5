// Package arbitrage turns cross-venue prices into verified opportunities. The
// Evaluator applies the fee, liquidity and depth-slippage filters; the
// Detector drives it from the price-tick stream.
package arbitrage

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/money"
)

// Rejection names the filter that discarded a candidate.
type Rejection string

const (
	RejectNone     Rejection = ""
	RejectInput    Rejection = "invalid_input"
	RejectFees     Rejection = "fees"
	RejectVolume   Rejection = "volume"
	RejectDepth    Rejection = "depth"
	RejectSlippage Rejection = "slippage"
)

// MarketData is the read-only view of depth and volume the evaluator needs.
// domain.PriceFeed satisfies it.
type MarketData interface {
	OrderBook(ctx context.Context, venue domain.Venue, symbol string) (domain.OrderBook, error)
	QuoteVolume24h(ctx context.Context, venue domain.Venue, symbol string) (float64, error)
}

// Config holds the evaluator thresholds.
type Config struct {
	Pair domain.VenuePair
	Fees FeeModel
	// MinNetProfitPct is the floor for NORMAL candidates.
	MinNetProfitPct float64
	// MaxReverseLossPct is how far below zero a REVERSE candidate may go.
	MaxReverseLossPct float64
	// Volume floors for the buy-side venue, in its quote currency.
	MinVolumeKRW float64
	MinVolumeUSD float64
}

// Input is one candidate to evaluate.
type Input struct {
	Symbol        string
	PriceKRW      float64
	PriceUSD      float64
	FXRate        float64
	InvestmentKRW float64
	Direction     domain.Direction
	// MinNetPct, when set, replaces the direction-specific floor. Leg-2
	// searches use it to express the loss budget.
	MinNetPct *float64
}

// Result is the outcome of Check.
type Result struct {
	Opportunity domain.Opportunity
	Reason      Rejection
}

// OK reports whether the candidate passed every filter.
func (r Result) OK() bool { return r.Reason == RejectNone }

// Evaluator combines prices, the fee model and live depth into a verified
// opportunity or a rejection. It holds no mutable state.
type Evaluator struct {
	cfg      Config
	market   MarketData
	logger   *slog.Logger
	now      func() time.Time
	onReject func(symbol string, d domain.Direction, reason Rejection)
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithRejectHook registers a callback invoked for every rejection.
func WithRejectHook(fn func(symbol string, d domain.Direction, reason Rejection)) Option {
	return func(e *Evaluator) { e.onReject = fn }
}

// WithNow overrides the timestamp source of produced opportunities.
func WithNow(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator reading depth and volume from market.
func NewEvaluator(cfg Config, market MarketData, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		cfg:    cfg,
		market: market,
		logger: logger.With(slog.String("component", "evaluator")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the evaluator configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate returns the verified opportunity for in, or false.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (domain.Opportunity, bool) {
	r := e.Check(ctx, in)
	return r.Opportunity, r.OK()
}

// Check runs the three filters in order and reports which one rejected.
func (e *Evaluator) Check(ctx context.Context, in Input) Result {
	res := e.check(ctx, in)
	if !res.OK() {
		e.logger.Debug("candidate rejected",
			slog.String("symbol", in.Symbol),
			slog.String("direction", string(in.Direction)),
			slog.String("reason", string(res.Reason)),
			slog.Float64("fee_adjusted_pct", res.Opportunity.FeeAdjustedPct),
		)
		if e.onReject != nil {
			e.onReject(in.Symbol, in.Direction, res.Reason)
		}
	}
	return res
}

func (e *Evaluator) check(ctx context.Context, in Input) Result {
	if !validInput(in) {
		return Result{Reason: RejectInput}
	}

	opp := domain.Opportunity{
		Symbol:        in.Symbol,
		Direction:     in.Direction,
		PriceKRW:      in.PriceKRW,
		PriceUSD:      in.PriceUSD,
		FXRate:        in.FXRate,
		InvestmentKRW: in.InvestmentKRW,
		EvaluatedAt:   e.now(),
	}
	usdInKRW := in.PriceUSD * in.FXRate
	opp.PremiumPct = money.Pct(in.PriceKRW-usdInKRW, usdInKRW)

	floor := e.floor(in)
	buyVenue, sellVenue := e.cfg.Pair.Route(in.Direction)
	buyPrice, sellPrice := in.PriceUSD, in.PriceKRW
	if in.Direction == domain.DirectionReverse {
		buyPrice, sellPrice = in.PriceKRW, in.PriceUSD
	}

	// 1. Fees.
	q := e.cfg.Fees.quoteLeg(e.cfg.Pair, in.Direction, in.Symbol, in.InvestmentKRW, buyPrice, sellPrice, in.FXRate)
	if !money.Finite(q.profitKRW) {
		return Result{Opportunity: opp, Reason: RejectInput}
	}
	opp.FeeAdjustedPct = money.Pct(q.profitKRW, in.InvestmentKRW)
	if opp.FeeAdjustedPct < floor {
		return Result{Opportunity: opp, Reason: RejectFees}
	}

	// 2. Liquidity on the buy-side book.
	volume, err := e.market.QuoteVolume24h(ctx, buyVenue, in.Symbol)
	if err != nil || !money.Finite(volume) || volume < e.volumeFloor(buyVenue) {
		return Result{Opportunity: opp, Reason: RejectVolume}
	}

	// 3. Slippage against live depth.
	buyBook, err := e.market.OrderBook(ctx, buyVenue, in.Symbol)
	if err != nil {
		return Result{Opportunity: opp, Reason: RejectDepth}
	}
	sellBook, err := e.market.OrderBook(ctx, sellVenue, in.Symbol)
	if err != nil {
		return Result{Opportunity: opp, Reason: RejectDepth}
	}
	notional := in.InvestmentKRW
	if in.Direction == domain.DirectionNormal {
		notional = in.InvestmentKRW / in.FXRate
	}
	buyVW, ok := buyVWAP(buyBook.Asks, notional)
	if !ok {
		return Result{Opportunity: opp, Reason: RejectDepth}
	}
	sellVW, ok := sellVWAP(sellBook.Bids, q.qty)
	if !ok {
		return Result{Opportunity: opp, Reason: RejectDepth}
	}
	final := e.cfg.Fees.quoteLeg(e.cfg.Pair, in.Direction, in.Symbol, in.InvestmentKRW, buyVW, sellVW, in.FXRate)
	if !money.Finite(final.profitKRW) {
		return Result{Opportunity: opp, Reason: RejectDepth}
	}
	opp.BuyVWAP = buyVW
	opp.SellVWAP = sellVW
	opp.FinalPct = money.Pct(final.profitKRW, in.InvestmentKRW)
	opp.FinalProfitKRW = money.Floor4(final.profitKRW)
	if opp.FinalPct < floor {
		return Result{Opportunity: opp, Reason: RejectSlippage}
	}
	return Result{Opportunity: opp}
}

// floor returns the minimum acceptable net percent for in.
func (e *Evaluator) floor(in Input) float64 {
	if in.MinNetPct != nil {
		return *in.MinNetPct
	}
	if in.Direction == domain.DirectionReverse {
		return -e.cfg.MaxReverseLossPct
	}
	return e.cfg.MinNetProfitPct
}

func (e *Evaluator) volumeFloor(v domain.Venue) float64 {
	if v == e.cfg.Pair.KRW {
		return e.cfg.MinVolumeKRW
	}
	return e.cfg.MinVolumeUSD
}

func validInput(in Input) bool {
	if in.Symbol == "" || !in.Direction.Valid() {
		return false
	}
	for _, v := range []float64{in.PriceKRW, in.PriceUSD, in.FXRate, in.InvestmentKRW} {
		if !money.Finite(v) || v <= 0 {
			return false
		}
	}
	return true
}
