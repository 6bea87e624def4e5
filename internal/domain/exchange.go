package domain

import (
	"context"
	"time"
)

// TickerInfo is the 24h ticker summary for a symbol.
type TickerInfo struct {
	Symbol         string
	LastPrice      float64
	QuoteVolume24h float64 // in the venue's quote currency
}

// WalletStatus reports whether an asset can currently move in or out of a venue.
type WalletStatus struct {
	Asset       string
	Network     string
	CanDeposit  bool
	CanWithdraw bool
}

// DepositAddress is where a venue accepts deposits of an asset.
type DepositAddress struct {
	Asset   string
	Network string
	Address string
	Tag     string // memo / destination tag, empty when unused
}

// WithdrawalChance is the fee and minimum a venue applies to withdrawals.
type WithdrawalChance struct {
	Asset string
	Fee   float64 // in asset units
	Min   float64 // in asset units
}

// WithdrawRequest asks a venue to send an asset to an external address.
type WithdrawRequest struct {
	Asset   string
	Amount  float64
	Address DepositAddress
}

// Withdrawal is the venue's receipt for a withdraw request.
type Withdrawal struct {
	ID     string
	Asset  string
	Amount float64
	Fee    float64
	TxID   string
}

// DepositStatus is the confirmation state of an incoming transfer.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
)

// Deposit is one entry in a venue's deposit history.
type Deposit struct {
	ID        string
	Asset     string
	Amount    float64
	TxID      string
	Status    DepositStatus
	CreatedAt time.Time
}

// ExchangePort is everything the engine needs from a venue. Every call is
// fallible; adapters map venue failures onto the error taxonomy in errors.go.
type ExchangePort interface {
	Name() Venue

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	GetBalances(ctx context.Context) (Balances, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	GetTickerInfo(ctx context.Context, symbol string) (TickerInfo, error)
	GetTradingRules(ctx context.Context, symbol string) (SymbolTradingRules, error)

	GetWalletStatus(ctx context.Context, asset string) (WalletStatus, error)
	GetDepositAddress(ctx context.Context, asset string) (DepositAddress, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (Withdrawal, error)
	GetWithdrawalChance(ctx context.Context, asset string) (WithdrawalChance, error)
	GetDepositHistory(ctx context.Context, asset string, since time.Time) ([]Deposit, error)

	CreateFuturesOrder(ctx context.Context, req FuturesOrderRequest) (Order, error)
	GetFuturesBalances(ctx context.Context) (Balances, error)
	InternalTransfer(ctx context.Context, asset string, amount float64, from, to WalletKind) error
}

// FXRateSource returns the KRW price of one USDT.
type FXRateSource interface {
	Rate(ctx context.Context) (float64, error)
}

// PriceFeed is the push stream of price ticks plus pull accessors over the
// cached market state.
type PriceFeed interface {
	Subscribe(ctx context.Context) <-chan PriceTick
	LatestPrice(ctx context.Context, venue Venue, symbol string) (float64, time.Time, error)
	OrderBook(ctx context.Context, venue Venue, symbol string) (OrderBook, error)
	QuoteVolume24h(ctx context.Context, venue Venue, symbol string) (float64, error)
}

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a message for the operator. Key identifies the condition for
// duplicate suppression; empty keys are never suppressed.
type Alert struct {
	Key      string
	Severity Severity
	Title    string
	Message  string
}

// Notifier delivers alerts. Send never blocks trading logic and never fails
// it; delivery errors are logged by the implementation.
type Notifier interface {
	Send(ctx context.Context, alert Alert)
}
