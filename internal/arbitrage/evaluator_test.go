package arbitrage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const (
	upbit   domain.Venue = "upbit"
	binance domain.Venue = "binance"
)

type fakeMarket struct {
	books   map[domain.Venue]domain.OrderBook
	volumes map[domain.Venue]float64
}

func (m *fakeMarket) OrderBook(_ context.Context, v domain.Venue, _ string) (domain.OrderBook, error) {
	b, ok := m.books[v]
	if !ok {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *fakeMarket) QuoteVolume24h(_ context.Context, v domain.Venue, _ string) (float64, error) {
	vol, ok := m.volumes[v]
	if !ok {
		return 0, errors.New("no volume")
	}
	return vol, nil
}

func deepBook(v domain.Venue, bid, ask float64) domain.OrderBook {
	return domain.OrderBook{
		Venue: v, Symbol: "XRP",
		Bids: []domain.OrderBookLevel{{Price: bid, Quantity: 1e9}},
		Asks: []domain.OrderBookLevel{{Price: ask, Quantity: 1e9}},
	}
}

func testConfig() Config {
	return Config{
		Pair: domain.VenuePair{KRW: upbit, USD: binance},
		Fees: FeeModel{
			Spot: map[domain.Venue]SpotFee{
				upbit:   {MakerBps: 5, TakerBps: 5},
				binance: {MakerBps: 10, TakerBps: 10},
			},
			FuturesEntryBps: 2,
			FuturesExitBps:  2,
			TransferFee:     map[string]float64{"XRP": 0.25},
			Hedge:           true,
		},
		MinNetProfitPct:   1.0,
		MaxReverseLossPct: 0.5,
		MinVolumeKRW:      1e9,
		MinVolumeUSD:      1e6,
	}
}

func newTestEvaluator(m *fakeMarket) *Evaluator {
	return NewEvaluator(testConfig(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func scenarioMarket(krwPrice, usdPrice float64) *fakeMarket {
	return &fakeMarket{
		books: map[domain.Venue]domain.OrderBook{
			upbit:   deepBook(upbit, krwPrice, krwPrice+1),
			binance: deepBook(binance, usdPrice-0.0001, usdPrice),
		},
		volumes: map[domain.Venue]float64{upbit: 5e10, binance: 5e7},
	}
}

func normalInput(krw, usd float64) Input {
	return Input{
		Symbol: "XRP", PriceKRW: krw, PriceUSD: usd, FXRate: 1350,
		InvestmentKRW: 1_000_000, Direction: domain.DirectionNormal,
	}
}

func TestEvaluate_PremiumAboveMinimum(t *testing.T) {
	e := newTestEvaluator(scenarioMarket(1000, 0.70))

	opp, ok := e.Evaluate(context.Background(), normalInput(1000, 0.70))
	require.True(t, ok)
	assert.Equal(t, domain.DirectionNormal, opp.Direction)
	assert.Equal(t, 5.8201, opp.PremiumPct)
	assert.InDelta(t, 5.5964, opp.FeeAdjustedPct, 0.001)
	assert.InDelta(t, opp.FeeAdjustedPct, opp.FinalPct, 0.001)
	assert.Greater(t, opp.FinalPct, testConfig().MinNetProfitPct)
	assert.InDelta(t, 0.70, opp.BuyVWAP, 1e-9)
	assert.InDelta(t, 1000, opp.SellVWAP, 1e-9)
	assert.InDelta(t, 55_964, opp.FinalProfitKRW, 5)
}

func TestEvaluate_LowVolumeRejected(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.volumes[binance] = 50_000
	e := newTestEvaluator(m)

	r := e.Check(context.Background(), normalInput(1000, 0.70))
	assert.False(t, r.OK())
	assert.Equal(t, RejectVolume, r.Reason)
	assert.Greater(t, r.Opportunity.FeeAdjustedPct, 1.0, "stage one passed")
}

func TestEvaluate_VolumeUsesBuySideVenue(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.volumes[upbit] = 1 // sell side only, irrelevant for NORMAL
	e := newTestEvaluator(m)

	_, ok := e.Evaluate(context.Background(), normalInput(1000, 0.70))
	assert.True(t, ok)
}

func TestEvaluate_SlippageRejects(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.books[binance] = domain.OrderBook{
		Venue: binance, Symbol: "XRP",
		Asks: []domain.OrderBookLevel{
			{Price: 0.70, Quantity: 100},
			{Price: 0.72, Quantity: 100},
			{Price: 0.75, Quantity: 1e6},
		},
	}
	e := newTestEvaluator(m)

	r := e.Check(context.Background(), normalInput(1000, 0.70))
	assert.Equal(t, RejectSlippage, r.Reason)
	assert.Greater(t, r.Opportunity.BuyVWAP, 0.74)
	assert.Less(t, r.Opportunity.FinalPct, r.Opportunity.FeeAdjustedPct)
}

func TestEvaluate_InsufficientDepth(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.books[binance] = domain.OrderBook{
		Venue: binance, Symbol: "XRP",
		Asks: []domain.OrderBookLevel{{Price: 0.70, Quantity: 10}},
	}
	e := newTestEvaluator(m)

	r := e.Check(context.Background(), normalInput(1000, 0.70))
	assert.Equal(t, RejectDepth, r.Reason)
}

func TestEvaluate_EmptyBookRejectsWithoutPanic(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.books[upbit] = domain.OrderBook{Venue: upbit, Symbol: "XRP"}
	e := newTestEvaluator(m)

	r := e.Check(context.Background(), normalInput(1000, 0.70))
	assert.Equal(t, RejectDepth, r.Reason)
}

func TestEvaluate_NonFiniteInput(t *testing.T) {
	e := newTestEvaluator(scenarioMarket(1000, 0.70))
	for _, in := range []Input{
		{Symbol: "XRP", PriceKRW: 1000, PriceUSD: 0.7, FXRate: math.NaN(), InvestmentKRW: 1e6, Direction: domain.DirectionNormal},
		{Symbol: "XRP", PriceKRW: math.Inf(1), PriceUSD: 0.7, FXRate: 1350, InvestmentKRW: 1e6, Direction: domain.DirectionNormal},
		{Symbol: "XRP", PriceKRW: 1000, PriceUSD: 0, FXRate: 1350, InvestmentKRW: 1e6, Direction: domain.DirectionNormal},
		{Symbol: "XRP", PriceKRW: 1000, PriceUSD: 0.7, FXRate: 1350, InvestmentKRW: 1e6, Direction: "SIDEWAYS"},
	} {
		r := e.Check(context.Background(), in)
		assert.Equal(t, RejectInput, r.Reason)
	}
}

func TestEvaluate_BelowThresholdNeverReturned(t *testing.T) {
	e := newTestEvaluator(scenarioMarket(1000, 0.70))
	floor := testConfig().MinNetProfitPct
	for krw := 930.0; krw <= 1010; krw += 2.5 {
		for _, fx := range []float64{1300, 1350, 1400} {
			m := scenarioMarket(krw, 0.70)
			e.market = m
			in := normalInput(krw, 0.70)
			in.FXRate = fx
			r := e.Check(context.Background(), in)
			if r.OK() {
				assert.GreaterOrEqual(t, r.Opportunity.FinalPct, floor)
				assert.GreaterOrEqual(t, r.Opportunity.FeeAdjustedPct, floor)
				continue
			}
			if r.Reason == RejectFees {
				assert.Less(t, r.Opportunity.FeeAdjustedPct, floor)
			}
		}
	}
}

func TestEvaluate_ReverseToleratesBoundedLoss(t *testing.T) {
	ctx := context.Background()
	rev := func(krw float64) Input {
		in := normalInput(krw, 0.70)
		in.Direction = domain.DirectionReverse
		return in
	}

	m := scenarioMarket(939, 0.70)
	m.books[upbit] = deepBook(upbit, 939, 940)
	m.books[binance] = deepBook(binance, 0.70, 0.7001)
	e := newTestEvaluator(m)
	opp, ok := e.Evaluate(ctx, rev(940))
	require.True(t, ok)
	assert.Equal(t, domain.DirectionReverse, opp.Direction)
	assert.Greater(t, opp.FinalPct, -0.5)

	m.books[upbit] = deepBook(upbit, 959, 960)
	r := e.Check(ctx, rev(960))
	assert.Equal(t, RejectFees, r.Reason)
	assert.Less(t, r.Opportunity.FeeAdjustedPct, -0.5)
}

func TestEvaluate_OverrideFloor(t *testing.T) {
	m := scenarioMarket(959, 0.70)
	m.books[upbit] = deepBook(upbit, 959, 960)
	m.books[binance] = deepBook(binance, 0.70, 0.7001)
	e := newTestEvaluator(m)

	in := normalInput(960, 0.70)
	in.Direction = domain.DirectionReverse
	floor := -2.0
	in.MinNetPct = &floor

	opp, ok := e.Evaluate(context.Background(), in)
	require.True(t, ok)
	assert.Less(t, opp.FinalPct, -0.5)
	assert.GreaterOrEqual(t, opp.FinalPct, -2.0)
}

func TestEvaluate_RejectHook(t *testing.T) {
	m := scenarioMarket(1000, 0.70)
	m.volumes[binance] = 0
	var got []Rejection
	e := NewEvaluator(testConfig(), m, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRejectHook(func(_ string, _ domain.Direction, r Rejection) { got = append(got, r) }))

	_, ok := e.Evaluate(context.Background(), normalInput(1000, 0.70))
	assert.False(t, ok)
	assert.Equal(t, []Rejection{RejectVolume}, got)
}
