package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects limit or market execution.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Done reports whether the venue will not fill the order any further.
func (s OrderStatus) Done() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OrderRequest is what the engine submits to a venue.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Price    float64 // quote currency per unit; ignored for market orders
	Quantity float64 // base units
	ClientID string
}

// Order is a venue's view of a submitted order.
type Order struct {
	ID           string
	Venue        Venue
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Price        float64
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Fee          float64 // in quote currency
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// FuturesOrderRequest opens or reduces a perpetual futures position.
type FuturesOrderRequest struct {
	Symbol     string
	Side       OrderSide
	Quantity   float64
	ReduceOnly bool
	Leverage   int
}

// WalletKind identifies a sub-account on a venue.
type WalletKind string

const (
	WalletSpot    WalletKind = "spot"
	WalletFutures WalletKind = "futures"
)

// Balance is the holding of one asset in one wallet.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Balances is keyed by asset symbol.
type Balances map[string]Balance

// Free returns the free balance of asset, zero when absent.
func (b Balances) Free(asset string) float64 {
	return b[asset].Free
}
