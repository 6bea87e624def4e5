package arbitrage

import "github.com/alanyoungcy/kimpbot/internal/domain"

// SpotFee is a venue's spot commission in basis points.
type SpotFee struct {
	MakerBps float64
	TakerBps float64
}

// FeeModel is the per-leg cost model used to turn a gross premium into a net
// profit.
type FeeModel struct {
	Spot map[domain.Venue]SpotFee
	// Futures commissions on the USD venue, charged once on entry and once on
	// exit of the hedge.
	FuturesEntryBps float64
	FuturesExitBps  float64
	// TransferFee is the on-chain withdrawal fee per asset, in asset units.
	TransferFee map[string]float64
	// Hedge charges futures fees on every leg when true.
	Hedge bool
}

// Taker returns the taker fee of venue as a fraction.
func (m FeeModel) Taker(v domain.Venue) float64 {
	return m.Spot[v].TakerBps / 10_000
}

// Maker returns the maker fee of venue as a fraction.
func (m FeeModel) Maker(v domain.Venue) float64 {
	return m.Spot[v].MakerBps / 10_000
}

// HedgeCost returns the futures commissions, as a fraction of notional, for
// opening and closing a hedge. Zero when hedging is disabled.
func (m FeeModel) HedgeCost() float64 {
	if !m.Hedge {
		return 0
	}
	return (m.FuturesEntryBps + m.FuturesExitBps) / 10_000
}

// Transfer returns the withdrawal fee for asset in asset units.
func (m FeeModel) Transfer(asset string) float64 {
	return m.TransferFee[asset]
}

// legQuote is the result of pricing one leg at given buy and sell prices.
type legQuote struct {
	qty         float64 // units arriving at the sell venue
	costKRW     float64
	proceedsKRW float64
	hedgeKRW    float64
	profitKRW   float64
}

// quoteLeg prices a leg in direction d that invests investmentKRW, buying at
// buyPrice and selling at sellPrice. Prices are in each venue's own quote
// currency; fx converts USDT into KRW.
func (m FeeModel) quoteLeg(pair domain.VenuePair, d domain.Direction, symbol string,
	investmentKRW, buyPrice, sellPrice, fx float64) legQuote {
	buyVenue, sellVenue := pair.Route(d)
	q := legQuote{costKRW: investmentKRW}

	notional := investmentKRW
	if d == domain.DirectionNormal {
		notional = investmentKRW / fx
	}
	q.qty = notional*(1-m.Taker(buyVenue))/buyPrice - m.Transfer(symbol)
	if q.qty < 0 {
		q.qty = 0
	}

	proceeds := q.qty * sellPrice * (1 - m.Taker(sellVenue))
	if d == domain.DirectionReverse {
		proceeds *= fx
	}
	q.proceedsKRW = proceeds
	q.hedgeKRW = investmentKRW * m.HedgeCost()
	q.profitKRW = q.proceedsKRW - q.costKRW - q.hedgeKRW
	return q
}
