package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

type fakeFeed struct {
	*fakeMarket
	prices map[domain.Venue]map[string]float64
	ticks  chan domain.PriceTick
	// at stamps every price; zero means now.
	at time.Time
}

func (f *fakeFeed) Subscribe(context.Context) <-chan domain.PriceTick { return f.ticks }

func (f *fakeFeed) LatestPrice(_ context.Context, v domain.Venue, sym string) (float64, time.Time, error) {
	p, ok := f.prices[v][sym]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	if !f.at.IsZero() {
		return p, f.at, nil
	}
	return p, time.Now(), nil
}

type staticFX float64

func (s staticFX) Rate(context.Context) (float64, error) { return float64(s), nil }

type fixedSizer float64

func (s fixedSizer) Investment(context.Context) (float64, error) { return float64(s), nil }

type collectSink struct {
	mu   sync.Mutex
	opps []domain.Opportunity
	got  chan struct{}
}

func (c *collectSink) Offer(_ context.Context, opp domain.Opportunity) {
	c.mu.Lock()
	c.opps = append(c.opps, opp)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func newTestDetector(prices map[domain.Venue]map[string]float64) (*Detector, *fakeFeed) {
	feed := &fakeFeed{
		fakeMarket: scenarioMarket(1000, 0.70),
		prices:     prices,
		ticks:      make(chan domain.PriceTick, 4),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDetector(DetectorConfig{
		Evaluator: NewEvaluator(testConfig(), feed, logger),
		Feed:      feed,
		FX:        staticFX(1350),
		Sizer:     fixedSizer(1_000_000),
		Symbols:   []string{"XRP", "ETH"},
		Logger:    logger,
	})
	return d, feed
}

func TestDetector_CandidatesSkipsMissingAndExcluded(t *testing.T) {
	d, _ := newTestDetector(map[domain.Venue]map[string]float64{
		upbit:   {"XRP": 1000},
		binance: {"XRP": 0.70},
	})
	ctx := context.Background()

	opps := d.Candidates(ctx, domain.DirectionNormal, 1_000_000, nil, nil)
	require.Len(t, opps, 1)
	assert.Equal(t, "XRP", opps[0].Symbol)

	assert.Empty(t, d.Candidates(ctx, domain.DirectionNormal, 1_000_000, nil, []string{"XRP"}))
}

func TestDetector_RunOffersOnTick(t *testing.T) {
	d, feed := newTestDetector(map[domain.Venue]map[string]float64{
		upbit:   {"XRP": 1000},
		binance: {"XRP": 0.70},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{got: make(chan struct{}, 4)}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, sink) }()

	feed.ticks <- domain.PriceTick{Symbol: "DOGE", Venue: upbit, Price: 1}
	feed.ticks <- domain.PriceTick{Symbol: "XRP", Venue: upbit, Price: 1000}

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no opportunity offered")
	}
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.opps, 1)
	assert.Equal(t, "XRP", sink.opps[0].Symbol)
	assert.Equal(t, domain.DirectionNormal, sink.opps[0].Direction)
}

func TestDetector_RevalidateAgainstLivePrices(t *testing.T) {
	prices := map[domain.Venue]map[string]float64{
		upbit:   {"XRP": 1000},
		binance: {"XRP": 0.70},
	}
	d, _ := newTestDetector(prices)
	ctx := context.Background()

	opp, ok := d.Revalidate(ctx, domain.Opportunity{Symbol: "XRP", Direction: domain.DirectionNormal, InvestmentKRW: 1_000_000})
	require.True(t, ok)
	assert.Equal(t, 5.8201, opp.PremiumPct)

	prices[upbit]["XRP"] = 946
	_, ok = d.Revalidate(ctx, domain.Opportunity{Symbol: "XRP", Direction: domain.DirectionNormal, InvestmentKRW: 1_000_000})
	assert.False(t, ok)
}

func TestDetector_RejectsStalePrices(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	feed := &fakeFeed{
		fakeMarket: scenarioMarket(1000, 0.70),
		prices: map[domain.Venue]map[string]float64{
			upbit:   {"XRP": 1000},
			binance: {"XRP": 0.70},
		},
		at: now.Add(-10 * time.Second),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDetector(DetectorConfig{
		Evaluator:   NewEvaluator(testConfig(), feed, logger),
		Feed:        feed,
		FX:          staticFX(1350),
		Sizer:       fixedSizer(1_000_000),
		Symbols:     []string{"XRP"},
		MaxPriceAge: 30 * time.Second,
		Clock:       clk,
		Logger:      logger,
	})
	ctx := context.Background()

	opps := d.Candidates(ctx, domain.DirectionNormal, 1_000_000, nil, nil)
	require.Len(t, opps, 1)
	_, ok := d.Revalidate(ctx, opps[0])
	assert.True(t, ok)

	// The feed stalls: the same cached prices are now older than allowed.
	clk.Advance(time.Minute)
	assert.Empty(t, d.Candidates(ctx, domain.DirectionNormal, 1_000_000, nil, nil))
	_, ok = d.Revalidate(ctx, opps[0])
	assert.False(t, ok, "a stale snapshot must not be traded")
}
