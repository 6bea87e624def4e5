package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// ThrottleConfig bounds the request rate to one venue. Order-path calls
// (orders, cancels, withdrawals, transfers) and queries are counted in
// separate windows.
type ThrottleConfig struct {
	QueryLimit int
	OrderLimit int
	Window     time.Duration
}

// Throttled is an ExchangePort that waits on a shared rate limiter before
// every call to the wrapped port.
type Throttled struct {
	next    domain.ExchangePort
	limiter domain.RateLimiter
	cfg     ThrottleConfig
	query   string
	order   string
}

var _ domain.ExchangePort = (*Throttled)(nil)

// NewThrottled wraps next. A zero limit disables throttling for that
// class of calls.
func NewThrottled(next domain.ExchangePort, limiter domain.RateLimiter, cfg ThrottleConfig) *Throttled {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	name := string(next.Name())
	return &Throttled{
		next:    next,
		limiter: limiter,
		cfg:     cfg,
		query:   "venue:" + name + ":query",
		order:   "venue:" + name + ":order",
	}
}

// Unwrap returns the wrapped port.
func (t *Throttled) Unwrap() domain.ExchangePort { return t.next }

func (t *Throttled) waitQuery(ctx context.Context) error {
	return t.wait(ctx, t.query, t.cfg.QueryLimit)
}

func (t *Throttled) waitOrder(ctx context.Context) error {
	return t.wait(ctx, t.order, t.cfg.OrderLimit)
}

func (t *Throttled) wait(ctx context.Context, key string, limit int) error {
	if limit <= 0 || t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx, key, limit, t.cfg.Window); err != nil {
		return fmt.Errorf("exchange: throttle %s: %w", key, err)
	}
	return nil
}

func (t *Throttled) Name() domain.Venue { return t.next.Name() }

func (t *Throttled) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := t.waitOrder(ctx); err != nil {
		return domain.Order{}, err
	}
	return t.next.CreateOrder(ctx, req)
}

func (t *Throttled) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.Order{}, err
	}
	return t.next.GetOrder(ctx, symbol, orderID)
}

func (t *Throttled) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := t.waitOrder(ctx); err != nil {
		return err
	}
	return t.next.CancelOrder(ctx, symbol, orderID)
}

func (t *Throttled) GetBalances(ctx context.Context) (domain.Balances, error) {
	if err := t.waitQuery(ctx); err != nil {
		return nil, err
	}
	return t.next.GetBalances(ctx)
}

func (t *Throttled) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.OrderBook{}, err
	}
	return t.next.GetOrderBook(ctx, symbol, depth)
}

func (t *Throttled) GetTickerInfo(ctx context.Context, symbol string) (domain.TickerInfo, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.TickerInfo{}, err
	}
	return t.next.GetTickerInfo(ctx, symbol)
}

func (t *Throttled) GetTradingRules(ctx context.Context, symbol string) (domain.SymbolTradingRules, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.SymbolTradingRules{}, err
	}
	return t.next.GetTradingRules(ctx, symbol)
}

func (t *Throttled) GetWalletStatus(ctx context.Context, asset string) (domain.WalletStatus, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.WalletStatus{}, err
	}
	return t.next.GetWalletStatus(ctx, asset)
}

func (t *Throttled) GetDepositAddress(ctx context.Context, asset string) (domain.DepositAddress, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.DepositAddress{}, err
	}
	return t.next.GetDepositAddress(ctx, asset)
}

func (t *Throttled) Withdraw(ctx context.Context, req domain.WithdrawRequest) (domain.Withdrawal, error) {
	if err := t.waitOrder(ctx); err != nil {
		return domain.Withdrawal{}, err
	}
	return t.next.Withdraw(ctx, req)
}

func (t *Throttled) GetWithdrawalChance(ctx context.Context, asset string) (domain.WithdrawalChance, error) {
	if err := t.waitQuery(ctx); err != nil {
		return domain.WithdrawalChance{}, err
	}
	return t.next.GetWithdrawalChance(ctx, asset)
}

func (t *Throttled) GetDepositHistory(ctx context.Context, asset string, since time.Time) ([]domain.Deposit, error) {
	if err := t.waitQuery(ctx); err != nil {
		return nil, err
	}
	return t.next.GetDepositHistory(ctx, asset, since)
}

func (t *Throttled) CreateFuturesOrder(ctx context.Context, req domain.FuturesOrderRequest) (domain.Order, error) {
	if err := t.waitOrder(ctx); err != nil {
		return domain.Order{}, err
	}
	return t.next.CreateFuturesOrder(ctx, req)
}

func (t *Throttled) GetFuturesBalances(ctx context.Context) (domain.Balances, error) {
	if err := t.waitQuery(ctx); err != nil {
		return nil, err
	}
	return t.next.GetFuturesBalances(ctx)
}

func (t *Throttled) InternalTransfer(ctx context.Context, asset string, amount float64, from, to domain.WalletKind) error {
	if err := t.waitOrder(ctx); err != nil {
		return err
	}
	return t.next.InternalTransfer(ctx, asset, amount, from, to)
}
