package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/config"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func paperConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Feed.WSURL = ""
	cfg.Archive.Enabled = false
	return &cfg
}

func TestFeeModel_TakesLargerWithdrawFee(t *testing.T) {
	cfg := paperConfig()
	cfg.Venues.KRW.WithdrawFee = map[string]float64{"XRP": 1, "ADA": 0.5}
	cfg.Venues.USD.WithdrawFee = map[string]float64{"XRP": 0.25, "TRX": 1}
	pair := domain.VenuePair{KRW: "upbit", USD: "binance"}

	m := feeModel(cfg, pair)
	assert.Equal(t, map[string]float64{"XRP": 1, "ADA": 0.5, "TRX": 1}, m.TransferFee)
	assert.Equal(t, 5.0, m.Spot["upbit"].TakerBps)
	assert.Equal(t, 10.0, m.Spot["binance"].TakerBps)
	assert.Equal(t, cfg.Venues.USD.FuturesFeeBps, m.FuturesEntryBps)
	assert.Equal(t, cfg.Venues.USD.FuturesFeeBps, m.FuturesExitBps)
}

func TestSchedulerConfig_CopiesWeights(t *testing.T) {
	cfg := paperConfig()
	cfg.Scheduler.AwaitingWeight = 7
	cfg.Trading.Reverse = true

	sc := schedulerConfig(cfg)
	assert.Equal(t, cfg.Scheduler.Sessions, sc.Sessions)
	assert.Equal(t, 7.0, sc.Priority.AwaitingWeight)
	assert.Equal(t, cfg.Scheduler.WaitSaturation.Duration, sc.Priority.WaitSaturation)
	assert.True(t, sc.Reverse)
}

func TestSenders_OnlyConfiguredChannels(t *testing.T) {
	cfg := paperConfig()
	assert.Empty(t, senders(cfg))

	cfg.Notify.TelegramToken = "token"
	assert.Empty(t, senders(cfg), "telegram needs a chat id too")

	cfg.Notify.TelegramChatID = "42"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/webhook"
	assert.Len(t, senders(cfg), 2)
}

func TestWire_PaperMode(t *testing.T) {
	ctx := context.Background()
	cfg := paperConfig()

	deps, cleanup, err := Wire(ctx, cfg, clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)), discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, domain.VenuePair{KRW: "upbit", USD: "binance"}, deps.Pair)
	assert.Len(t, deps.Venues.Names(), 2)
	require.Len(t, deps.Paper, 2)
	assert.Nil(t, deps.Archive)

	assert.Equal(t, cfg.Paper.KRWBalance, deps.Paper["upbit"].SpotBalance("KRW").Free)
	assert.Equal(t, cfg.Paper.USDTBalance, deps.Paper["binance"].SpotBalance("USDT").Free)

	port, err := deps.Venues.Get("upbit")
	require.NoError(t, err)
	book, err := port.GetOrderBook(ctx, "XRP", 5)
	require.NoError(t, err)
	require.NoError(t, book.Validate())
	seed := cfg.Paper.Prices["XRP"].KRW
	assert.Less(t, book.BestBid(), seed)
	assert.Greater(t, book.BestAsk(), seed)

	require.Contains(t, deps.Checks, "fx")
	assert.NoError(t, deps.Checks["fx"](ctx))
	assert.NotContains(t, deps.Checks, "postgres")
}

func TestWire_UnknownDriver(t *testing.T) {
	cfg := paperConfig()
	cfg.Venues.USD.Driver = "nope"

	_, _, err := Wire(context.Background(), cfg, clock.Real{}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown venue driver "nope"`)
}

func TestRegisterDriver_RejectsReservedAndDuplicate(t *testing.T) {
	stub := func(context.Context, config.VenueConfig, string) (domain.ExchangePort, error) { return nil, nil }
	assert.Panics(t, func() { RegisterDriver(paperDriver, stub) })

	RegisterDriver("test-duplicate", stub)
	assert.Panics(t, func() { RegisterDriver("test-duplicate", stub) })
	_, err := lookupDriver("test-duplicate")
	assert.NoError(t, err)
}

func TestBuild_PaperEngine(t *testing.T) {
	cfg := paperConfig()
	cfg.Server.Enabled = true
	a := New(cfg, discardLogger())

	deps, cleanup, err := Wire(context.Background(), cfg, a.clock, a.logger)
	require.NoError(t, err)
	defer cleanup()

	e, err := a.Build(deps)
	require.NoError(t, err)
	assert.NotNil(t, e.Server)
	assert.Nil(t, e.Archiver)
	assert.Nil(t, e.WS)
	assert.Len(t, e.Scheduler.Sessions(), cfg.Scheduler.Sessions)

	require.NoError(t, e.Scheduler.Start(context.Background()))
	snap, err := deps.Portfolio.GetLatestPortfolioSnapshot(context.Background())
	require.NoError(t, err)
	assert.Positive(t, snap.TotalKRW)
}
