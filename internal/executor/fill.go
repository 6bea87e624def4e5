package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

type fillResult struct {
	qty       float64
	avgPrice  float64
	exhausted bool
}

// preflight verifies both wallets, the deposit route, the withdrawal minimum
// and the buy-side cash before anything is submitted.
func (e *Executor) preflight(ctx context.Context, r *legRun) error {
	r.enter(StatePreflight)
	sym := r.req.Symbol

	out, err := r.buyEx.GetWalletStatus(ctx, sym)
	if err != nil {
		return fmt.Errorf("wallet status %s/%s: %w", r.buyEx.Name(), sym, err)
	}
	if !out.CanWithdraw {
		return fmt.Errorf("%s withdrawals of %s: %w", r.buyEx.Name(), sym, domain.ErrWalletDisabled)
	}
	in, err := r.sellEx.GetWalletStatus(ctx, sym)
	if err != nil {
		return fmt.Errorf("wallet status %s/%s: %w", r.sellEx.Name(), sym, err)
	}
	if !in.CanDeposit {
		return fmt.Errorf("%s deposits of %s: %w", r.sellEx.Name(), sym, domain.ErrWalletDisabled)
	}

	r.address, err = r.sellEx.GetDepositAddress(ctx, sym)
	if err != nil {
		return fmt.Errorf("deposit address %s/%s: %w", r.sellEx.Name(), sym, err)
	}
	if r.address.Address == "" {
		return fmt.Errorf("%s/%s: %w", r.sellEx.Name(), sym, domain.ErrNoDepositAddress)
	}
	r.chance, err = r.buyEx.GetWithdrawalChance(ctx, sym)
	if err != nil {
		return fmt.Errorf("withdrawal chance %s/%s: %w", r.buyEx.Name(), sym, err)
	}

	if r.buyRules, err = e.rules(ctx, r.buyEx, sym); err != nil {
		return err
	}
	if r.sellRules, err = e.rules(ctx, r.sellEx, sym); err != nil {
		return err
	}

	price := e.entryPrice(ctx, r)
	if price <= 0 {
		return fmt.Errorf("no entry price for %s on %s: %w", sym, r.buyEx.Name(), domain.ErrValidation)
	}
	estimated := r.notional / price
	floor := r.chance.Min
	if r.sellRules.MinQty > floor {
		floor = r.sellRules.MinQty
	}
	if estimated-r.chance.Fee < floor || estimated < r.chance.Min {
		return fmt.Errorf("estimated %.8f %s below withdrawal minimum %.8f: %w",
			estimated, sym, floor, domain.ErrBelowMinimum)
	}

	balances, err := r.buyEx.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("balances %s: %w", r.buyEx.Name(), err)
	}
	quote := e.pair.QuoteAsset(r.buyEx.Name())
	if free := balances.Free(quote); free < r.notional {
		return fmt.Errorf("%s %s free %.2f < %.2f: %w", r.buyEx.Name(), quote, free, r.notional, domain.ErrInsufficientFunds)
	}
	return nil
}

func (e *Executor) rules(ctx context.Context, ex domain.ExchangePort, sym string) (domain.SymbolTradingRules, error) {
	rules, err := ex.GetTradingRules(ctx, sym)
	if err != nil {
		return rules, fmt.Errorf("trading rules %s/%s: %w", ex.Name(), sym, err)
	}
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

// entryPrice is the best ask on the buy venue, falling back to the
// evaluated VWAP when the book is unavailable.
func (e *Executor) entryPrice(ctx context.Context, r *legRun) float64 {
	book, err := r.buyEx.GetOrderBook(ctx, r.req.Symbol, e.cfg.BookDepth)
	if err == nil && book.Validate() == nil && book.BestAsk() > 0 {
		return r.buyRules.RoundPrice(book.BestAsk(), domain.OrderSideBuy)
	}
	return r.buyRules.RoundPrice(r.req.Opportunity.BuyVWAP, domain.OrderSideBuy)
}

// buy fills the leg's notional with limit orders. Each unfilled attempt is
// cancelled and resubmitted one step higher; at most OrderRetryLimit orders
// are submitted in total. A non-nil error is returned only for a failed
// submission; exhaustion is reported through fillResult.exhausted.
func (e *Executor) buy(ctx context.Context, r *legRun) (fillResult, error) {
	rules := r.buyRules
	price := e.entryPrice(ctx, r)
	remaining := r.notional
	step := e.cfg.RepriceStepPct / 100
	var res fillResult

	for attempt := 1; attempt <= e.cfg.OrderRetryLimit; attempt++ {
		if attempt > 1 {
			r.enter(StateRepriceRetry)
			price = rules.RoundPrice(price*(1+step), domain.OrderSideBuy)
		}
		qty := rules.RoundQty(remaining / price)
		if !rules.Tradable(qty, price) {
			// What is left is below the venue minimum.
			return e.fillDone(r, res)
		}

		r.enter(StatePlaced)
		order, err := r.buyEx.CreateOrder(ctx, domain.OrderRequest{
			Symbol:   r.req.Symbol,
			Side:     domain.OrderSideBuy,
			Type:     domain.OrderTypeLimit,
			Price:    price,
			Quantity: qty,
			ClientID: fmt.Sprintf("%s-%d-b%d", r.req.CycleID, r.req.Leg, attempt),
		})
		r.res.Submissions++
		a := Attempt{Number: attempt, Side: domain.OrderSideBuy, Price: price, Quantity: qty, Outcome: AttemptOpen}
		if err != nil {
			a.Outcome, a.Error = AttemptRejected, err.Error()
			r.submitted(a)
			if domain.IsRetryable(err) && attempt < e.cfg.OrderRetryLimit {
				r.logger.Warn("buy submission failed, retrying",
					slog.Int("attempt", attempt), slog.String("error", err.Error()))
				continue
			}
			return res, fmt.Errorf("create buy order: %w", err)
		}
		r.res.Record.BuyOrderIDs = append(r.res.Record.BuyOrderIDs, order.ID)
		a.OrderID = order.ID
		idx := r.submitted(a)

		final, filled, err := e.pollFill(ctx, r, r.buyEx, order)
		r.res.Attempts[idx].FilledQty = final.FilledQty
		r.res.Attempts[idx].Outcome = outcomeOf(final)
		cost := final.FilledQty*final.AvgFillPrice + final.Fee
		r.spent += cost
		remaining -= cost
		if final.FilledQty > 0 {
			res.avgPrice = (res.avgPrice*res.qty + final.AvgFillPrice*final.FilledQty) / (res.qty + final.FilledQty)
			res.qty += final.FilledQty
		}
		if err != nil {
			return res, fmt.Errorf("poll buy order %s: %w", order.ID, err)
		}
		if filled {
			return e.fillDone(r, res)
		}
		r.logger.Info("buy attempt timed out",
			slog.Int("attempt", attempt),
			slog.Float64("price", price),
			slog.Float64("filled", final.FilledQty),
		)
	}

	res.exhausted = true
	return res, nil
}

func (e *Executor) fillDone(r *legRun, res fillResult) (fillResult, error) {
	if res.qty <= 0 {
		res.exhausted = true
		return res, nil
	}
	r.res.Record.FilledQty = res.qty
	r.res.Record.AvgBuyPrice = res.avgPrice
	return res, nil
}

// pollFill polls order until it fills or FillTimeout elapses, then cancels
// it and returns the venue's final view. filled reports a complete fill.
func (e *Executor) pollFill(ctx context.Context, r *legRun, ex domain.ExchangePort, order domain.Order) (domain.Order, bool, error) {
	r.enter(StatePollingFill)
	deadline := e.clock.Now().Add(e.cfg.FillTimeout)
	for {
		if order.Status == domain.OrderStatusFilled {
			return order, true, nil
		}
		if order.Status.Done() {
			return order, false, nil
		}
		if !e.clock.Now().Before(deadline) {
			break
		}
		if err := clock.Sleep(ctx, e.clock, e.cfg.FillPollInterval); err != nil {
			final := e.cancelAndFetch(ctx, r, ex, order)
			return final, final.Status == domain.OrderStatusFilled, err
		}
		o, err := ex.GetOrder(ctx, order.Symbol, order.ID)
		if err != nil {
			r.logger.Warn("get order failed", slog.String("order_id", order.ID), slog.String("error", err.Error()))
			continue
		}
		order = o
	}
	final := e.cancelAndFetch(ctx, r, ex, order)
	return final, final.Status == domain.OrderStatusFilled, nil
}

// cancelAndFetch cancels order and re-reads it so fills that raced the
// cancel are accounted for.
func (e *Executor) cancelAndFetch(ctx context.Context, r *legRun, ex domain.ExchangePort, order domain.Order) domain.Order {
	ctx = context.WithoutCancel(ctx)
	if err := ex.CancelOrder(ctx, order.Symbol, order.ID); err != nil {
		r.logger.Warn("cancel order failed", slog.String("order_id", order.ID), slog.String("error", err.Error()))
	}
	var final domain.Order
	err := e.retry(ctx, r, "get order", func() error {
		var gerr error
		final, gerr = ex.GetOrder(ctx, order.Symbol, order.ID)
		return gerr
	})
	if err != nil {
		return order
	}
	return final
}
