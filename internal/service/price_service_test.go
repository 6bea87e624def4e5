package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/kimpbot/internal/cache/memory"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

func TestPriceService_HandleBookStoresAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := cachemem.NewCache()
	bus := cachemem.NewBus(10)
	sub, err := bus.Subscribe(ctx, PricesChannel)
	require.NoError(t, err)
	svc := NewPriceService(cache, cache, cache, bus, discardLogger())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, svc.HandleBook(ctx, domain.OrderBook{
		Venue: "upbit", Symbol: "XRP", Timestamp: at,
		Bids: []domain.OrderBookLevel{{Price: 999, Quantity: 10}},
		Asks: []domain.OrderBookLevel{{Price: 1001, Quantity: 10}},
	}))

	price, ts, err := svc.GetPrice(ctx, "upbit", "XRP")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, price)
	assert.True(t, at.Equal(ts))

	bid, ask, err := svc.GetBBO(ctx, "upbit", "XRP")
	require.NoError(t, err)
	assert.Equal(t, 999.0, bid)
	assert.Equal(t, 1001.0, ask)

	select {
	case raw := <-sub:
		var tick domain.PriceTick
		require.NoError(t, json.Unmarshal(raw, &tick))
		assert.Equal(t, domain.PriceTick{Symbol: "XRP", Venue: "upbit", Price: 1000, Timestamp: at}, tick)
	case <-time.After(time.Second):
		t.Fatal("no tick published")
	}
}

func TestPriceService_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	cache := cachemem.NewCache()
	svc := NewPriceService(cache, cache, cache, cachemem.NewBus(10), discardLogger())

	crossed := domain.OrderBook{
		Venue: "upbit", Symbol: "XRP",
		Bids: []domain.OrderBookLevel{{Price: 1002, Quantity: 1}},
		Asks: []domain.OrderBookLevel{{Price: 1001, Quantity: 1}},
	}
	assert.ErrorIs(t, svc.HandleBook(ctx, crossed), domain.ErrValidation)
	_, err := svc.GetBook(ctx, "upbit", "XRP")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, svc.HandleTick(ctx, domain.PriceTick{Venue: "upbit", Symbol: "XRP", Price: -1}), domain.ErrValidation)
	assert.ErrorIs(t, svc.HandleTicker(ctx, "upbit", domain.TickerInfo{Symbol: "XRP", QuoteVolume24h: -5}), domain.ErrValidation)

	require.NoError(t, svc.HandleTicker(ctx, "upbit", domain.TickerInfo{Symbol: "XRP", QuoteVolume24h: 5e9}))
	v, err := svc.GetVolume(ctx, "upbit", "XRP")
	require.NoError(t, err)
	assert.Equal(t, 5e9, v)
}
