package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookLevel is a single price+quantity entry in an order book.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot of one symbol on one venue. Bids are sorted
// best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Venue     Venue            `json:"venue"`
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// BestBid returns the top bid price, zero for an empty side.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask price, zero for an empty side.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns the mid price, or the only available side.
func (b OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// Validate rejects books with non-finite or non-positive levels and books
// whose sides are not sorted best first. Adapters call it before handing a
// book to the engine.
func (b OrderBook) Validate() error {
	check := func(side string, levels []OrderBookLevel, better func(a, b float64) bool) error {
		for i, l := range levels {
			if !finitePositive(l.Price) || !finitePositive(l.Quantity) {
				return fmt.Errorf("orderbook %s/%s: %s level %d (%v @ %v): %w",
					b.Venue, b.Symbol, side, i, l.Quantity, l.Price, ErrValidation)
			}
			if i > 0 && !better(levels[i-1].Price, l.Price) {
				return fmt.Errorf("orderbook %s/%s: %s not sorted at level %d: %w",
					b.Venue, b.Symbol, side, i, ErrValidation)
			}
		}
		return nil
	}
	if err := check("bid", b.Bids, func(prev, cur float64) bool { return prev > cur }); err != nil {
		return err
	}
	if err := check("ask", b.Asks, func(prev, cur float64) bool { return prev < cur }); err != nil {
		return err
	}
	if bid, ask := b.BestBid(), b.BestAsk(); bid > 0 && ask > 0 && bid >= ask {
		return fmt.Errorf("orderbook %s/%s: crossed book %v >= %v: %w", b.Venue, b.Symbol, bid, ask, ErrValidation)
	}
	return nil
}

// SymbolTradingRules are a venue's order filters for one symbol.
type SymbolTradingRules struct {
	Symbol      string
	TickSize    float64 // price increment
	LotStep     float64 // quantity increment
	MinQty      float64
	MinNotional float64 // in quote currency
}

// Validate rejects rules with negative or non-finite filters.
func (r SymbolTradingRules) Validate() error {
	for name, v := range map[string]float64{
		"tick_size": r.TickSize, "lot_step": r.LotStep,
		"min_qty": r.MinQty, "min_notional": r.MinNotional,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("trading rules %s: %s=%v: %w", r.Symbol, name, v, ErrValidation)
		}
	}
	return nil
}

// RoundQty floors qty to the lot step.
func (r SymbolTradingRules) RoundQty(qty float64) float64 {
	return floorToStep(qty, r.LotStep)
}

// RoundPrice floors (sell) or ceils (buy) price to the tick size so a
// nudged limit never ends up less aggressive than intended.
func (r SymbolTradingRules) RoundPrice(price float64, side OrderSide) float64 {
	if r.TickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(r.TickSize)
	steps := p.Div(tick)
	if side == OrderSideBuy {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick).InexactFloat64()
}

// Tradable reports whether qty at price passes the minimum filters.
func (r SymbolTradingRules) Tradable(qty, price float64) bool {
	if qty <= 0 || qty < r.MinQty {
		return false
	}
	return price <= 0 || qty*price >= r.MinNotional
}

func floorToStep(v, step float64) float64 {
	if step <= 0 || !finitePositive(v) {
		if finitePositive(v) {
			return v
		}
		return 0
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).InexactFloat64()
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
