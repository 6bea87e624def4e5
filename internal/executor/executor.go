// Package executor runs one trade leg (buy, hedge, transfer, confirm, sell,
// unwind) across a venue pair as a bounded sub-state-machine.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/money"
)

// ExitPricing selects the top-of-book side the exit-sell loop quotes at.
type ExitPricing string

const (
	ExitAtBid ExitPricing = "bid" // taker, crosses the spread
	ExitAtAsk ExitPricing = "ask" // maker, joins the best ask
)

// Config bounds every loop in the leg.
type Config struct {
	OrderRetryLimit  int     // total buy submissions per logical fill
	RepriceStepPct   float64 // nudge per retry, percent of price
	FillPollInterval time.Duration
	FillTimeout      time.Duration // per attempt

	DepositPollInterval time.Duration
	DepositTimeout      time.Duration
	PartialDepositRatio float64 // proceed once this share of the expected amount arrived
	BalanceMatchRatio   float64 // deposit-history amount counted as a full match

	SellTickInterval time.Duration
	ExitSellTimeout  time.Duration
	ExitPricing      ExitPricing

	Hedge         bool
	HedgeLeverage int
	BookDepth     int
}

// Executor runs legs against the venues of a pair.
type Executor struct {
	venues   map[domain.Venue]domain.ExchangePort
	pair     domain.VenuePair
	notifier domain.Notifier
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
}

// NewExecutor creates an Executor. venues must contain both venues of pair.
func NewExecutor(
	venues map[domain.Venue]domain.ExchangePort,
	pair domain.VenuePair,
	notifier domain.Notifier,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) (*Executor, error) {
	for _, v := range []domain.Venue{pair.KRW, pair.USD} {
		if _, ok := venues[v]; !ok {
			return nil, fmt.Errorf("executor: no exchange port for venue %q", v)
		}
	}
	if cfg.OrderRetryLimit < 1 {
		cfg.OrderRetryLimit = 1
	}
	if cfg.HedgeLeverage < 1 {
		cfg.HedgeLeverage = 1
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 10
	}
	if cfg.ExitPricing == "" {
		cfg.ExitPricing = ExitAtBid
	}
	return &Executor{
		venues:   venues,
		pair:     pair,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "executor")),
	}, nil
}

// legRun carries the mutable state of one RunLeg call.
type legRun struct {
	req       LegRequest
	buyEx     domain.ExchangePort
	sellEx    domain.ExchangePort
	futuresEx domain.ExchangePort
	buyRules  domain.SymbolTradingRules
	sellRules domain.SymbolTradingRules
	address   domain.DepositAddress
	chance    domain.WithdrawalChance
	notional  float64 // buy venue quote currency
	spent     float64 // buy venue quote currency, fees included
	proceeds  float64 // sell venue quote currency, net of fees
	logger    *slog.Logger
	res       LegResult
	hedge     hedgePosition
	xfer      transfer
}

func (r *legRun) enter(s LegState) {
	r.res.Trail = append(r.res.Trail, s)
	r.logger.Debug("leg state", slog.String("state", string(s)))
}

// submitted appends an attempt and returns its index.
func (r *legRun) submitted(a Attempt) int {
	r.res.Attempts = append(r.res.Attempts, a)
	return len(r.res.Attempts) - 1
}

// settled finalizes the sell attempt for order from the venue's final view.
func (r *legRun) settled(o domain.Order) {
	for i := range r.res.Attempts {
		a := &r.res.Attempts[i]
		if a.Side == domain.OrderSideSell && a.OrderID == o.ID {
			a.FilledQty = o.FilledQty
			a.Outcome = outcomeOf(o)
			return
		}
	}
}

func (r *legRun) progress(s LegState) {
	if r.req.OnProgress != nil {
		r.req.OnProgress(s, r.res.Record)
	}
}

// RunLeg executes req to completion. A non-nil error means the leg aborted
// before any capital was committed and another candidate may be tried.
// Manual-intervention outcomes are reported through the result, not as an
// error. Once the withdrawal is submitted the leg ignores cancellation of ctx.
func (e *Executor) RunLeg(ctx context.Context, req LegRequest) (LegResult, error) {
	buyVenue, sellVenue := e.pair.Route(req.Direction)
	r := &legRun{
		req:       req,
		buyEx:     e.venues[buyVenue],
		sellEx:    e.venues[sellVenue],
		futuresEx: e.venues[e.pair.USD],
		logger: e.logger.With(
			slog.String("cycle_id", req.CycleID),
			slog.Int("leg", req.Leg),
			slog.String("symbol", req.Symbol),
			slog.String("direction", string(req.Direction)),
		),
	}
	r.res.Record.BuyVenue = buyVenue
	r.res.Record.SellVenue = sellVenue
	r.notional = req.InvestmentKRW
	if buyVenue == e.pair.USD {
		r.notional = req.InvestmentKRW / req.FXRate
	}

	if err := e.preflight(ctx, r); err != nil {
		return e.abort(r, StatePreflight, err)
	}

	fill, err := e.buy(ctx, r)
	if err != nil {
		if fill.qty <= 0 {
			return e.abort(r, StatePlaced, err)
		}
		return e.manual(r, StatePlaced, err), nil
	}
	if fill.exhausted {
		return e.manual(r, StateRepriceRetry,
			fmt.Errorf("fill not completed after %d submissions: %w", r.res.Submissions, domain.ErrBadFill)), nil
	}
	r.enter(StateFilled)
	r.progress(StateFilled)

	// Capital is committed from here on; shutdown must not strand it.
	ctx = context.WithoutCancel(ctx)

	if e.cfg.Hedge {
		e.openHedge(ctx, r, fill)
	}

	expected, err := e.withdraw(ctx, r, fill)
	if err != nil {
		return e.manual(r, StateWithdrawn, err), nil
	}
	r.progress(StateWithdrawn)

	received, err := e.awaitDeposit(ctx, r, expected)
	if err != nil {
		return e.manual(r, StatePollingDeposit, err), nil
	}
	r.res.Record.ReceivedQty = received

	if err := e.exitSell(ctx, r, received); err != nil {
		return e.manual(r, StateSold, err), nil
	}
	r.enter(StateSold)

	if r.hedge.open {
		if err := e.closeHedge(ctx, r); err != nil {
			return e.manual(r, StateHedgeClose, err), nil
		}
	}

	r.res.ProfitKRW = e.realizedProfit(r)
	r.res.State = StateDone
	r.enter(StateDone)
	r.logger.Info("leg done",
		slog.Float64("profit_krw", r.res.ProfitKRW),
		slog.Float64("received_qty", received),
		slog.Int("submissions", r.res.Submissions),
	)
	return r.res, nil
}

func (e *Executor) abort(r *legRun, at LegState, err error) (LegResult, error) {
	le := &LegError{State: at, Err: err}
	r.res.State = StateAborted
	r.res.Cause = le
	r.enter(StateAborted)
	r.logger.Warn("leg aborted before commit", slog.String("state", string(at)), slog.String("error", err.Error()))
	return r.res, le
}

// manual stops the leg for an operator. A still-open hedge is left in place:
// closing it without the spot sale would trade one exposure for another. The
// caller owns the terminal notification.
func (e *Executor) manual(r *legRun, at LegState, err error) LegResult {
	le := &LegError{State: at, AfterTransfer: r.res.Record.TransferStarted, Err: err}
	r.res.State = StateManualIntervention
	r.res.Cause = le
	r.res.ProfitKRW = e.realizedProfit(r)
	r.enter(StateManualIntervention)
	r.logger.Error("leg requires manual intervention",
		slog.String("state", string(at)),
		slog.Bool("after_transfer", le.AfterTransfer),
		slog.Bool("hedge_open", r.hedge.open),
		slog.String("error", err.Error()),
	)
	return r.res
}

func (e *Executor) warn(ctx context.Context, r *legRun, key, msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.logger.Warn(msg)
	e.notifier.Send(ctx, domain.Alert{
		Key:      key + ":" + r.req.CycleID,
		Severity: domain.SeverityWarning,
		Title:    "Leg warning",
		Message:  fmt.Sprintf("cycle %s leg %d %s: %s", r.req.CycleID, r.req.Leg, r.req.Symbol, msg),
	})
}

// realizedProfit converts the leg's cash flows into KRW at the cycle FX rate.
func (e *Executor) realizedProfit(r *legRun) float64 {
	rec := &r.res.Record
	toKRW := func(v domain.Venue, amount float64) float64 {
		if v == e.pair.USD {
			return amount * r.req.FXRate
		}
		return amount
	}
	rec.CostKRW = money.Sanitize(r.logger, "cost_krw", toKRW(rec.BuyVenue, r.spent))
	rec.ProceedsKRW = money.Sanitize(r.logger, "proceeds_krw", toKRW(rec.SellVenue, r.proceeds))
	rec.HedgePnLKRW = money.Sanitize(r.logger, "hedge_pnl_krw", r.hedge.pnlUSD*r.req.FXRate)
	if rec.SoldQty <= 0 {
		// Nothing sold yet: the leg stands at what it bought, less hedge.
		return money.Sanitize(r.logger, "leg_profit", rec.HedgePnLKRW-rec.CostKRW)
	}
	return money.Sanitize(r.logger, "leg_profit", rec.ProceedsKRW-rec.CostKRW+rec.HedgePnLKRW)
}
