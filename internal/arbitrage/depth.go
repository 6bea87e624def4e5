package arbitrage

import "github.com/alanyoungcy/kimpbot/internal/domain"

// buyVWAP walks asks until notional (quote currency) is spent and returns the
// volume-weighted price. ok is false when the book cannot absorb notional.
func buyVWAP(asks []domain.OrderBookLevel, notional float64) (vwap float64, ok bool) {
	if notional <= 0 {
		return 0, false
	}
	remaining := notional
	var qty float64
	for _, l := range asks {
		levelCost := l.Price * l.Quantity
		if levelCost >= remaining {
			qty += remaining / l.Price
			remaining = 0
			break
		}
		qty += l.Quantity
		remaining -= levelCost
	}
	if remaining > 0 || qty <= 0 {
		return 0, false
	}
	return notional / qty, true
}

// sellVWAP walks bids until qty base units are sold and returns the
// volume-weighted price. ok is false when the book cannot absorb qty.
func sellVWAP(bids []domain.OrderBookLevel, qty float64) (vwap float64, ok bool) {
	if qty <= 0 {
		return 0, false
	}
	remaining := qty
	var proceeds float64
	for _, l := range bids {
		take := l.Quantity
		if take > remaining {
			take = remaining
		}
		proceeds += take * l.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 1e-12 {
		return 0, false
	}
	return proceeds / qty, true
}
