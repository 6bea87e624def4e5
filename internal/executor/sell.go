package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// exitSell liquidates qty on the sell venue. Every tick it re-quotes at
// top-of-book: a resting order priced away from the current top is cancelled
// and replaced, sized to the balance available at that moment. It returns
// once the unsold remainder is below the venue minimum and no order rests,
// or fails after ExitSellTimeout.
func (e *Executor) exitSell(ctx context.Context, r *legRun, qty float64) error {
	sym := r.req.Symbol
	rules := r.sellRules
	deadline := e.clock.Now().Add(e.cfg.ExitSellTimeout)
	remaining := qty
	var resting *domain.Order
	seq := 0

	settle := func(o domain.Order) {
		r.settled(o)
		if o.FilledQty <= 0 {
			return
		}
		rec := &r.res.Record
		rec.AvgSellPrice = (rec.AvgSellPrice*rec.SoldQty + o.AvgFillPrice*o.FilledQty) / (rec.SoldQty + o.FilledQty)
		rec.SoldQty += o.FilledQty
		r.proceeds += o.FilledQty*o.AvgFillPrice - o.Fee
		remaining -= o.FilledQty
	}

	for {
		target := e.topOfBook(ctx, r)

		if resting != nil {
			o, err := r.sellEx.GetOrder(ctx, sym, resting.ID)
			switch {
			case err != nil:
				r.logger.Warn("get sell order failed", slog.String("order_id", resting.ID), slog.String("error", err.Error()))
			case o.Status.Done():
				settle(o)
				resting = nil
			case target > 0 && o.Price != target:
				settle(e.cancelAndFetch(ctx, r, r.sellEx, o))
				resting = nil
			}
		}

		if resting == nil {
			if dust(rules, remaining, target) {
				return nil
			}
			if target > 0 {
				if o, ok := e.placeSell(ctx, r, target, remaining, &seq); ok {
					if o.Status.Done() {
						settle(o)
					} else {
						resting = &o
					}
				}
			}
		}

		if !e.clock.Now().Before(deadline) {
			if resting != nil {
				settle(e.cancelAndFetch(ctx, r, r.sellEx, *resting))
			}
			if dust(rules, remaining, target) {
				return nil
			}
			return fmt.Errorf("exit sell timed out with %.8f of %.8f %s unsold: %w", remaining, qty, sym, domain.ErrBadFill)
		}
		if err := clock.Sleep(ctx, e.clock, e.cfg.SellTickInterval); err != nil {
			return err
		}
	}
}

// placeSell submits a sell at price sized to min(available, remaining).
func (e *Executor) placeSell(ctx context.Context, r *legRun, price, remaining float64, seq *int) (domain.Order, bool) {
	sym := r.req.Symbol
	bal, err := r.sellEx.GetBalances(ctx)
	if err != nil {
		r.logger.Warn("sell balance failed", slog.String("error", err.Error()))
		return domain.Order{}, false
	}
	avail := bal.Free(sym)
	if avail > remaining {
		avail = remaining
	}
	qty := r.sellRules.RoundQty(avail)
	if !r.sellRules.Tradable(qty, price) {
		return domain.Order{}, false
	}
	*seq++
	o, err := r.sellEx.CreateOrder(ctx, domain.OrderRequest{
		Symbol:   sym,
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
		ClientID: fmt.Sprintf("%s-%d-s%d", r.req.CycleID, r.req.Leg, *seq),
	})
	a := Attempt{Number: *seq, Side: domain.OrderSideSell, Price: price, Quantity: qty, Outcome: AttemptOpen}
	if err != nil {
		a.Outcome, a.Error = AttemptRejected, err.Error()
		r.submitted(a)
		r.logger.Warn("sell submission failed", slog.Float64("price", price), slog.String("error", err.Error()))
		return domain.Order{}, false
	}
	a.OrderID = o.ID
	r.submitted(a)
	r.res.Record.SellOrderIDs = append(r.res.Record.SellOrderIDs, o.ID)
	return o, true
}

// topOfBook returns the rounded quote price for the next sell order, zero
// when the book is unusable.
func (e *Executor) topOfBook(ctx context.Context, r *legRun) float64 {
	book, err := r.sellEx.GetOrderBook(ctx, r.req.Symbol, e.cfg.BookDepth)
	if err != nil || book.Validate() != nil {
		return 0
	}
	price := book.BestBid()
	if e.cfg.ExitPricing == ExitAtAsk && book.BestAsk() > 0 {
		price = book.BestAsk()
	}
	if price <= 0 {
		return 0
	}
	return r.sellRules.RoundPrice(price, domain.OrderSideSell)
}

// dust reports whether remaining can no longer be sold at price.
func dust(rules domain.SymbolTradingRules, remaining, price float64) bool {
	q := rules.RoundQty(remaining)
	if q < nonZeroMin(rules) {
		return true
	}
	return price > 0 && q*price < rules.MinNotional
}

// nonZeroMin is the smallest sellable quantity: the lot minimum, or one lot
// step, or a dust epsilon when the venue declares neither.
func nonZeroMin(rules domain.SymbolTradingRules) float64 {
	switch {
	case rules.MinQty > 0:
		return rules.MinQty
	case rules.LotStep > 0:
		return rules.LotStep
	default:
		return 1e-8
	}
}
