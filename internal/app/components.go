package app

import (
	"github.com/alanyoungcy/kimpbot/internal/arbitrage"
	"github.com/alanyoungcy/kimpbot/internal/config"
	"github.com/alanyoungcy/kimpbot/internal/cycle"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/executor"
	"github.com/alanyoungcy/kimpbot/internal/feed"
	"github.com/alanyoungcy/kimpbot/internal/notify"
	"github.com/alanyoungcy/kimpbot/internal/scheduler"
	"github.com/alanyoungcy/kimpbot/internal/server"
	"github.com/alanyoungcy/kimpbot/internal/service"
)

// Translations from the file configuration to each component's own config.

func feeModel(cfg *config.Config, pair domain.VenuePair) arbitrage.FeeModel {
	krw, usd := cfg.Venues.KRW, cfg.Venues.USD
	// One transfer fee per asset: the larger of the two venues' withdrawal
	// fees, since either side may send first.
	transfer := make(map[string]float64, len(krw.WithdrawFee)+len(usd.WithdrawFee))
	for _, fees := range []map[string]float64{krw.WithdrawFee, usd.WithdrawFee} {
		for asset, fee := range fees {
			if fee > transfer[asset] {
				transfer[asset] = fee
			}
		}
	}
	return arbitrage.FeeModel{
		Spot: map[domain.Venue]arbitrage.SpotFee{
			pair.KRW: {MakerBps: krw.MakerFeeBps, TakerBps: krw.TakerFeeBps},
			pair.USD: {MakerBps: usd.MakerFeeBps, TakerBps: usd.TakerFeeBps},
		},
		FuturesEntryBps: usd.FuturesFeeBps,
		FuturesExitBps:  usd.FuturesFeeBps,
		TransferFee:     transfer,
		Hedge:           cfg.Trading.Hedge,
	}
}

func evaluatorConfig(cfg *config.Config, pair domain.VenuePair) arbitrage.Config {
	return arbitrage.Config{
		Pair:              pair,
		Fees:              feeModel(cfg, pair),
		MinNetProfitPct:   cfg.Trading.MinNetProfitPct,
		MaxReverseLossPct: cfg.Trading.MaxReverseLossPct,
		MinVolumeKRW:      cfg.Trading.MinVolumeKRW,
		MinVolumeUSD:      cfg.Trading.MinVolumeUSD,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	e := cfg.Executor
	return executor.Config{
		OrderRetryLimit:     e.OrderRetryLimit,
		RepriceStepPct:      e.RepriceStepPct,
		FillPollInterval:    e.FillPollInterval.Duration,
		FillTimeout:         e.FillTimeout.Duration,
		DepositPollInterval: e.DepositPollInterval.Duration,
		DepositTimeout:      e.DepositTimeout.Duration,
		PartialDepositRatio: e.PartialDepositRatio,
		BalanceMatchRatio:   e.BalanceMatchRatio,
		SellTickInterval:    e.SellTickInterval.Duration,
		ExitSellTimeout:     e.ExitSellTimeout.Duration,
		ExitPricing:         executor.ExitPricing(e.ExitPricing),
		Hedge:               cfg.Trading.Hedge,
		HedgeLeverage:       cfg.Trading.HedgeLeverage,
		BookDepth:           e.BookDepth,
	}
}

func cycleConfig(cfg *config.Config) cycle.Config {
	return cycle.Config{
		TargetReturnPct:   cfg.Trading.TargetReturnPct,
		MaxSearchDuration: cfg.Trading.MaxSearchDuration.Duration,
		PersistRetries:    cfg.Executor.PersistRetries,
	}
}

func capitalConfig(cfg *config.Config) service.CapitalConfig {
	c := cfg.Capital
	return service.CapitalConfig{
		Strategy:          service.SizingStrategy(c.Strategy),
		FixedAmountKRW:    c.FixedAmountKRW,
		Percent:           c.Percent,
		MaxInvestmentKRW:  c.MaxInvestmentKRW,
		InitialCapitalKRW: c.InitialCapitalKRW,
		CacheTTL:          c.CacheTTL.Duration,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		Sessions:       s.Sessions,
		DecisionWindow: s.DecisionWindow.Duration,
		TickInterval:   s.TickInterval.Duration,
		Reverse:        cfg.Trading.Reverse,
		Priority: scheduler.PriorityConfig{
			AwaitingWeight: s.AwaitingWeight,
			InFlightWeight: s.InFlightWeight,
			IdleWeight:     s.IdleWeight,
			RatioWeight:    s.RatioWeight,
			WaitWeight:     s.WaitWeight,
			WaitSaturation: s.WaitSaturation.Duration,
		},
		LockKey: s.LockKey,
		LockTTL: s.LockTTL.Duration,
	}
}

func pollerConfig(cfg *config.Config) feed.PollerConfig {
	return feed.PollerConfig{
		Symbols:     cfg.Trading.Symbols,
		Depth:       cfg.Feed.BookDepth,
		Interval:    cfg.Feed.PollInterval.Duration,
		VolumeEvery: cfg.Feed.VolumeEvery,
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		MinSeverity: domain.Severity(cfg.Notify.MinSeverity),
		Cooldown:    cfg.Notify.Cooldown.Duration,
		QueueSize:   cfg.Notify.QueueSize,
	}
}

func senders(cfg *config.Config) []notify.Sender {
	var out []notify.Sender
	n := cfg.Notify
	if n.TelegramToken != "" && n.TelegramChatID != "" {
		out = append(out, notify.NewTelegramSender(n.TelegramAPI, n.TelegramToken, n.TelegramChatID, n.Timeout.Duration))
	}
	if n.DiscordWebhookURL != "" {
		out = append(out, notify.NewDiscordSender(n.DiscordWebhookURL, n.Timeout.Duration))
	}
	return out
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   cfg.Server.RateLimit,
		RateWindow:  cfg.Server.RateWindow.Duration,
	}
}
