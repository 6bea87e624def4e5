package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/exchange/paper"
)

type recordingLimiter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *recordingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *recordingLimiter) Wait(_ context.Context, key string, _ int, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.err
}

type fixedFX float64

func (f fixedFX) Rate(context.Context) (float64, error) { return float64(f), nil }

func venues(t *testing.T) (*paper.Exchange, *paper.Exchange) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	net := paper.NewNetwork()
	upbit := paper.New(paper.Config{Venue: "upbit", Quote: "KRW"}, clk, net)
	binance := paper.New(paper.Config{Venue: "binance", Quote: "USDT"}, clk, net)
	return upbit, binance
}

func TestRegistry(t *testing.T) {
	upbit, binance := venues(t)
	r, err := NewRegistry(upbit, binance)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Register(upbit), domain.ErrAlreadyExists)
	_, err = r.Get("bithumb")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	krw, usd, err := r.Pair(domain.VenuePair{KRW: "upbit", USD: "binance"})
	require.NoError(t, err)
	assert.Equal(t, domain.Venue("upbit"), krw.Name())
	assert.Equal(t, domain.Venue("binance"), usd.Name())
	assert.Equal(t, []domain.Venue{"binance", "upbit"}, r.Names())
	assert.Len(t, r.Ports(), 2)
}

func TestThrottled_SeparatesOrderAndQueryWindows(t *testing.T) {
	upbit, _ := venues(t)
	upbit.SetBalance("KRW", 1_000)
	lim := &recordingLimiter{}
	th := NewThrottled(upbit, lim, ThrottleConfig{QueryLimit: 10, OrderLimit: 5, Window: time.Second})
	ctx := context.Background()

	bal, err := th.GetBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1_000.0, bal.Free("KRW"))
	_ = th.CancelOrder(ctx, "XRP", "missing")

	assert.Equal(t, []string{"venue:upbit:query", "venue:upbit:order"}, lim.keys)
	assert.Equal(t, 1, upbit.Calls("CancelOrder"))
}

func TestThrottled_LimiterErrorSkipsCall(t *testing.T) {
	upbit, _ := venues(t)
	lim := &recordingLimiter{err: context.DeadlineExceeded}
	th := NewThrottled(upbit, lim, ThrottleConfig{QueryLimit: 10})

	_, err := th.GetBalances(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, upbit.Calls("GetBalances"))
}

func TestThrottled_ZeroLimitPassesThrough(t *testing.T) {
	upbit, _ := venues(t)
	lim := &recordingLimiter{}
	th := NewThrottled(upbit, lim, ThrottleConfig{})

	_, err := th.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lim.keys)
	assert.Same(t, upbit, th.Unwrap())
}

func TestValuer_ConvertsDollarVenue(t *testing.T) {
	upbit, binance := venues(t)
	upbit.SetBalance("KRW", 2_000_000)
	binance.SetBalance("USDT", 1_000)
	binance.SetFuturesBalance("USDT", 500)

	r, err := NewRegistry(upbit, binance)
	require.NoError(t, err)
	v := NewValuer(domain.VenuePair{KRW: "upbit", USD: "binance"}, r, fixedFX(1400))

	got, err := v.ValueBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2_000_000.0, got["upbit"])
	assert.Equal(t, 2_100_000.0, got["binance"])
}
