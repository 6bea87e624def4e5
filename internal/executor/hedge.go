package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const marginAsset = "USDT"

// hedgePosition is the futures short held while a leg's spot position is in
// transit.
type hedgePosition struct {
	open     bool
	qty      float64
	entry    float64
	entryFee float64
	margin   float64
	pnlUSD   float64
}

// openHedge moves margin to the futures wallet of the USD venue and shorts
// the filled quantity. Failure leaves the leg running unhedged with a warning.
func (e *Executor) openHedge(ctx context.Context, r *legRun, fill fillResult) {
	r.enter(StateHedgeOpen)
	notionalUSD := fill.qty * fill.avgPrice
	if r.res.Record.BuyVenue != e.pair.USD {
		notionalUSD /= r.req.FXRate
	}
	margin := notionalUSD / float64(e.cfg.HedgeLeverage)

	if err := r.futuresEx.InternalTransfer(ctx, marginAsset, margin, domain.WalletSpot, domain.WalletFutures); err != nil {
		e.warn(ctx, r, "hedge_open", fmt.Sprintf("hedge margin transfer failed, continuing unhedged: %v", err))
		return
	}
	o, err := r.futuresEx.CreateFuturesOrder(ctx, domain.FuturesOrderRequest{
		Symbol:   r.req.Symbol,
		Side:     domain.OrderSideSell,
		Quantity: fill.qty,
		Leverage: e.cfg.HedgeLeverage,
	})
	if err != nil || o.FilledQty <= 0 {
		if err == nil {
			err = fmt.Errorf("short %s not filled: %w", o.ID, domain.ErrBadFill)
		}
		if terr := r.futuresEx.InternalTransfer(ctx, marginAsset, margin, domain.WalletFutures, domain.WalletSpot); terr != nil {
			r.logger.Warn("hedge margin return failed", slog.String("error", terr.Error()))
		}
		e.warn(ctx, r, "hedge_open", fmt.Sprintf("hedge short failed, continuing unhedged: %v", err))
		return
	}

	r.hedge = hedgePosition{open: true, qty: o.FilledQty, entry: o.AvgFillPrice, entryFee: o.Fee, margin: margin}
	r.res.Record.Hedged = true
	r.res.Record.HedgeOrderIDs = append(r.res.Record.HedgeOrderIDs, o.ID)
	r.logger.Info("hedge opened",
		slog.String("order_id", o.ID),
		slog.Float64("qty", o.FilledQty),
		slog.Float64("entry", o.AvgFillPrice),
		slog.Float64("margin", margin),
	)
}

// closeHedge buys back the short and returns margin plus PnL to spot. A
// failed buy-back leaves unmanaged exposure and is returned as an error; a
// failed margin return is only alerted.
func (e *Executor) closeHedge(ctx context.Context, r *legRun) error {
	r.enter(StateHedgeClose)
	var o domain.Order
	err := e.retry(ctx, r, "hedge close", func() error {
		var cerr error
		o, cerr = r.futuresEx.CreateFuturesOrder(ctx, domain.FuturesOrderRequest{
			Symbol:     r.req.Symbol,
			Side:       domain.OrderSideBuy,
			Quantity:   r.hedge.qty,
			ReduceOnly: true,
			Leverage:   e.cfg.HedgeLeverage,
		})
		return cerr
	})
	if err != nil {
		return fmt.Errorf("hedge unwind of %.8f %s: %w", r.hedge.qty, r.req.Symbol, err)
	}
	if o.FilledQty < r.hedge.qty*0.999 {
		return fmt.Errorf("hedge unwind filled %.8f of %.8f %s: %w", o.FilledQty, r.hedge.qty, r.req.Symbol, domain.ErrBadFill)
	}
	r.res.Record.HedgeOrderIDs = append(r.res.Record.HedgeOrderIDs, o.ID)
	r.hedge.open = false
	r.hedge.pnlUSD = (r.hedge.entry-o.AvgFillPrice)*o.FilledQty - r.hedge.entryFee - o.Fee

	back := r.hedge.margin + r.hedge.pnlUSD
	if fb, ferr := r.futuresEx.GetFuturesBalances(ctx); ferr == nil {
		if free := fb.Free(marginAsset); free < back {
			back = free
		}
	}
	if back > 0 {
		if terr := e.retry(ctx, r, "hedge margin return", func() error {
			return r.futuresEx.InternalTransfer(ctx, marginAsset, back, domain.WalletFutures, domain.WalletSpot)
		}); terr != nil {
			e.notifier.Send(ctx, domain.Alert{
				Key:      "hedge_margin:" + r.req.CycleID,
				Severity: domain.SeverityCritical,
				Title:    "Hedge margin not returned",
				Message:  fmt.Sprintf("cycle %s: %.2f %s left in futures wallet: %v", r.req.CycleID, back, marginAsset, terr),
			})
		}
	}
	r.logger.Info("hedge closed",
		slog.String("order_id", o.ID),
		slog.Float64("exit", o.AvgFillPrice),
		slog.Float64("pnl_usd", r.hedge.pnlUSD),
	)
	return nil
}
