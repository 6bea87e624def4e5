package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderBook_Validate(t *testing.T) {
	good := OrderBook{
		Venue: "upbit", Symbol: "XRP",
		Bids: []OrderBookLevel{{Price: 999, Quantity: 10}, {Price: 998, Quantity: 5}},
		Asks: []OrderBookLevel{{Price: 1001, Quantity: 10}, {Price: 1002, Quantity: 5}},
	}
	require.NoError(t, good.Validate())
	assert.Equal(t, 1000.0, good.Mid())

	cases := map[string]OrderBook{
		"nan price":     {Bids: []OrderBookLevel{{Price: math.NaN(), Quantity: 1}}},
		"zero qty":      {Asks: []OrderBookLevel{{Price: 1, Quantity: 0}}},
		"unsorted bids": {Bids: []OrderBookLevel{{Price: 1, Quantity: 1}, {Price: 2, Quantity: 1}}},
		"unsorted asks": {Asks: []OrderBookLevel{{Price: 2, Quantity: 1}, {Price: 1, Quantity: 1}}},
		"crossed":       {Bids: []OrderBookLevel{{Price: 2, Quantity: 1}}, Asks: []OrderBookLevel{{Price: 2, Quantity: 1}}},
	}
	for name, book := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, book.Validate(), ErrValidation)
		})
	}
}

func TestOrderBook_MidOneSided(t *testing.T) {
	assert.Equal(t, 5.0, OrderBook{Bids: []OrderBookLevel{{Price: 5, Quantity: 1}}}.Mid())
	assert.Equal(t, 7.0, OrderBook{Asks: []OrderBookLevel{{Price: 7, Quantity: 1}}}.Mid())
	assert.Zero(t, OrderBook{}.Mid())
}

func TestTradingRules_Rounding(t *testing.T) {
	r := SymbolTradingRules{Symbol: "XRP", TickSize: 0.1, LotStep: 0.01, MinQty: 1, MinNotional: 5000}

	assert.Equal(t, 12.34, r.RoundQty(12.349))
	assert.Equal(t, 1000.2, r.RoundPrice(1000.11, OrderSideBuy))
	assert.Equal(t, 1000.1, r.RoundPrice(1000.19, OrderSideSell))
	assert.True(t, r.Tradable(5, 1000))
	assert.False(t, r.Tradable(4.9, 1000), "below min notional")
	assert.False(t, r.Tradable(0.5, 100_000), "below min qty")

	assert.ErrorIs(t, SymbolTradingRules{TickSize: -1}.Validate(), ErrValidation)
}

func TestKindOf(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("executor: leg 1: %w", err) }

	assert.Equal(t, KindBusiness, KindOf(wrap(ErrInsufficientFunds)))
	assert.Equal(t, KindPersistence, KindOf(wrap(ErrNotFound)))
	assert.Equal(t, KindValidation, KindOf(wrap(ErrValidation)))
	assert.Equal(t, KindNetwork, KindOf(wrap(ErrRateLimited)))
	assert.Equal(t, KindNetwork, KindOf(errors.New("connection reset by peer")))

	assert.True(t, IsRetryable(wrap(ErrNetwork)))
	assert.False(t, IsRetryable(wrap(ErrOrderRejected)))
	assert.False(t, IsRetryable(nil))
}

func TestCycle_CheckInvariants(t *testing.T) {
	ended := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, Cycle{}.CheckInvariants(), ErrValidation)
	assert.NoError(t, Cycle{ID: "c-1", Phase: PhaseLeg1InFlight, Leg1Symbol: "XRP"}.CheckInvariants())

	early := Cycle{ID: "c-2", Phase: PhaseAwaitingLeg2, Leg1Symbol: "XRP", Leg2Symbol: "TRX"}
	assert.ErrorIs(t, early.CheckInvariants(), ErrValidation)

	early.Leg1EndedAt = &ended
	assert.NoError(t, early.CheckInvariants())

	early.Phase = PhaseLeg1Done
	assert.ErrorIs(t, early.CheckInvariants(), ErrValidation)
}

func TestCycle_Symbols(t *testing.T) {
	assert.Equal(t, []string{"XRP"}, Cycle{Leg1Symbol: "XRP", Leg2Symbol: "XRP"}.Symbols())
	assert.Equal(t, []string{"XRP", "TRX"}, Cycle{Leg1Symbol: "XRP", Leg2Symbol: "TRX"}.Symbols())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.False(t, PhaseAwaitingLeg2.IsTerminal())
}
