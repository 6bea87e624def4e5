package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// transfer is the baseline captured before a withdrawal.
type transfer struct {
	baseline   float64
	baselineAt time.Time
}

// withdraw records the destination baseline, then sends the filled quantity
// to the sell venue. It returns the amount expected to arrive.
func (e *Executor) withdraw(ctx context.Context, r *legRun, fill fillResult) (float64, error) {
	sym := r.req.Symbol

	var dest domain.Balances
	if err := e.retry(ctx, r, "baseline balance", func() error {
		var err error
		dest, err = r.sellEx.GetBalances(ctx)
		return err
	}); err != nil {
		return 0, fmt.Errorf("baseline balance %s: %w", r.sellEx.Name(), err)
	}
	r.xfer = transfer{baseline: dest.Free(sym), baselineAt: e.clock.Now()}

	var src domain.Balances
	if err := e.retry(ctx, r, "source balance", func() error {
		var err error
		src, err = r.buyEx.GetBalances(ctx)
		return err
	}); err != nil {
		return 0, fmt.Errorf("source balance %s: %w", r.buyEx.Name(), err)
	}
	amount := fill.qty
	if free := src.Free(sym); free < amount {
		amount = free
	}
	if amount-r.chance.Fee <= 0 || amount < r.chance.Min {
		return 0, fmt.Errorf("withdraw %.8f %s (fee %.8f, min %.8f): %w",
			amount, sym, r.chance.Fee, r.chance.Min, domain.ErrBelowMinimum)
	}

	// Not retried: a withdrawal is not idempotent.
	w, err := r.buyEx.Withdraw(ctx, domain.WithdrawRequest{Asset: sym, Amount: amount, Address: r.address})
	if err != nil {
		return 0, fmt.Errorf("withdraw %s from %s: %w", sym, r.buyEx.Name(), err)
	}
	r.res.Record.WithdrawalID = w.ID
	r.res.Record.TransferStarted = true
	r.enter(StateWithdrawn)

	fee := w.Fee
	if fee <= 0 {
		fee = r.chance.Fee
	}
	expected := amount - fee
	r.logger.Info("withdrawal submitted",
		slog.String("withdrawal_id", w.ID),
		slog.Float64("amount", amount),
		slog.Float64("expected", expected),
		slog.Float64("baseline", r.xfer.baseline),
	)
	return expected, nil
}

// awaitDeposit polls the destination until enough of the transfer arrived.
// It proceeds on the observed balance delta once it reaches
// PartialDepositRatio of expected, or once the deposit history shows a
// completed deposit within BalanceMatchRatio of it. On timeout it proceeds
// with whatever arrived; nothing at all is an error.
func (e *Executor) awaitDeposit(ctx context.Context, r *legRun, expected float64) (float64, error) {
	r.enter(StatePollingDeposit)
	sym := r.req.Symbol
	deadline := e.clock.Now().Add(e.cfg.DepositTimeout)
	partial := e.cfg.PartialDepositRatio * expected
	match := e.cfg.BalanceMatchRatio * expected

	for e.clock.Now().Before(deadline) {
		if err := clock.Sleep(ctx, e.clock, e.cfg.DepositPollInterval); err != nil {
			return 0, err
		}
		delta, ok := e.depositDelta(ctx, r)
		if ok && delta > 0 && delta >= partial {
			r.logger.Info("deposit observed",
				slog.Float64("delta", delta),
				slog.Float64("expected", expected),
			)
			return delta, nil
		}
		deposits, err := r.sellEx.GetDepositHistory(ctx, sym, r.xfer.baselineAt)
		if err != nil {
			r.logger.Debug("deposit history failed", slog.String("error", err.Error()))
			continue
		}
		for _, d := range deposits {
			if d.Status == domain.DepositCompleted && d.Amount >= match {
				r.logger.Info("deposit matched in history",
					slog.String("deposit_id", d.ID),
					slog.Float64("amount", d.Amount),
					slog.Float64("delta", delta),
				)
				if delta > 0 {
					return delta, nil
				}
				return d.Amount, nil
			}
		}
	}

	delta, _ := e.depositDelta(ctx, r)
	if delta > 0 {
		e.warn(ctx, r, "deposit_partial",
			fmt.Sprintf("deposit timeout after %s: proceeding with %.8f of %.8f %s",
				e.cfg.DepositTimeout, delta, expected, sym))
		return delta, nil
	}
	return 0, fmt.Errorf("no %s arrived on %s within %s: %w",
		sym, r.sellEx.Name(), e.cfg.DepositTimeout, domain.ErrDepositTimeout)
}

func (e *Executor) depositDelta(ctx context.Context, r *legRun) (float64, bool) {
	bal, err := r.sellEx.GetBalances(ctx)
	if err != nil {
		r.logger.Debug("deposit balance poll failed", slog.String("error", err.Error()))
		return 0, false
	}
	return bal.Free(r.req.Symbol) - r.xfer.baseline, true
}
