// Package config defines the engine configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KIMPBOT_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Venues    VenuesConfig    `toml:"venues"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Trading   TradingConfig   `toml:"trading"`
	Executor  ExecutorConfig  `toml:"executor"`
	Capital   CapitalConfig   `toml:"capital"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Feed      FeedConfig      `toml:"feed"`
	FX        FXConfig        `toml:"fx"`
	Notify    NotifyConfig    `toml:"notify"`
	Server    ServerConfig    `toml:"server"`
	Archive   ArchiveConfig   `toml:"archive"`
	Paper     PaperConfig     `toml:"paper"`
}

// VenuesConfig names the two sides of the arbitrage.
type VenuesConfig struct {
	KRW VenueConfig `toml:"krw"`
	USD VenueConfig `toml:"usd"`
}

// VenueConfig describes one exchange. Driver selects the ExchangePort
// implementation; "paper" is built in.
type VenueConfig struct {
	Name      string `toml:"name"`
	Driver    string `toml:"driver"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`

	MakerFeeBps float64 `toml:"maker_fee_bps"`
	TakerFeeBps float64 `toml:"taker_fee_bps"`
	// FuturesFeeBps is charged on hedge entry and again on exit. Only the
	// USD venue trades futures.
	FuturesFeeBps float64 `toml:"futures_fee_bps"`
	// WithdrawFee is the network fee per asset, in asset units.
	WithdrawFee map[string]float64 `toml:"withdraw_fee"`

	QueryLimit int      `toml:"query_limit"`
	OrderLimit int      `toml:"order_limit"`
	RateWindow duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// PriceTTL expires cached prices; zero keeps them until overwritten.
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the opportunity filters and cycle goals.
type TradingConfig struct {
	Symbols []string `toml:"symbols"`
	// Reverse allows cycles that open in the REVERSE direction.
	Reverse           bool    `toml:"reverse"`
	MinNetProfitPct   float64 `toml:"min_net_profit_pct"`
	MaxReverseLossPct float64 `toml:"max_reverse_loss_pct"`
	MinVolumeKRW      float64 `toml:"min_volume_krw"`
	MinVolumeUSD      float64 `toml:"min_volume_usd"`

	TargetReturnPct   float64  `toml:"target_return_pct"`
	MaxSearchDuration duration `toml:"max_search_duration"`

	Hedge         bool `toml:"hedge"`
	HedgeLeverage int  `toml:"hedge_leverage"`
}

// ExecutorConfig holds the order-leg intervals, timeouts and retry bounds.
type ExecutorConfig struct {
	OrderRetryLimit  int      `toml:"order_retry_limit"`
	RepriceStepPct   float64  `toml:"reprice_step_pct"`
	FillPollInterval duration `toml:"fill_poll_interval"`
	FillTimeout      duration `toml:"fill_timeout"`

	DepositPollInterval duration `toml:"deposit_poll_interval"`
	DepositTimeout      duration `toml:"deposit_timeout"`
	PartialDepositRatio float64  `toml:"partial_deposit_ratio"`
	BalanceMatchRatio   float64  `toml:"balance_match_ratio"`

	SellTickInterval duration `toml:"sell_tick_interval"`
	ExitSellTimeout  duration `toml:"exit_sell_timeout"`
	// ExitPricing is "bid" (cross the spread) or "ask" (join the ask).
	ExitPricing string `toml:"exit_pricing"`

	BookDepth      int `toml:"book_depth"`
	PersistRetries int `toml:"persist_retries"`
}

// CapitalConfig holds the investment sizing parameters.
type CapitalConfig struct {
	// Strategy is "fixed", "percent" or "full".
	Strategy          string   `toml:"strategy"`
	FixedAmountKRW    float64  `toml:"fixed_amount_krw"`
	Percent           float64  `toml:"percent"`
	MaxInvestmentKRW  float64  `toml:"max_investment_krw"`
	InitialCapitalKRW float64  `toml:"initial_capital_krw"`
	CacheTTL          duration `toml:"cache_ttl"`
}

// SchedulerConfig holds the session table and priority parameters.
type SchedulerConfig struct {
	Sessions       int      `toml:"sessions"`
	DecisionWindow duration `toml:"decision_window"`
	TickInterval   duration `toml:"tick_interval"`
	LockKey        string   `toml:"lock_key"`
	LockTTL        duration `toml:"lock_ttl"`

	AwaitingWeight float64  `toml:"awaiting_weight"`
	InFlightWeight float64  `toml:"in_flight_weight"`
	IdleWeight     float64  `toml:"idle_weight"`
	RatioWeight    float64  `toml:"ratio_weight"`
	WaitWeight     float64  `toml:"wait_weight"`
	WaitSaturation duration `toml:"wait_saturation"`
}

// FeedConfig configures market-data ingestion. WSURL is optional; the
// poller always runs.
type FeedConfig struct {
	WSURL        string   `toml:"ws_url"`
	PollInterval duration `toml:"poll_interval"`
	BookDepth    int      `toml:"book_depth"`
	// VolumeEvery refreshes 24h volumes once per this many poll rounds.
	VolumeEvery int `toml:"volume_every"`
	Buffer      int `toml:"buffer"`
	// MaxPriceAge is the oldest cached price the detector evaluates.
	MaxPriceAge duration `toml:"max_price_age"`
}

// FXConfig selects the KRW per USDT rate source.
type FXConfig struct {
	// Source is "static" or "http".
	Source   string   `toml:"source"`
	Static   float64  `toml:"static"`
	URL      string   `toml:"url"`
	Field    string   `toml:"field"`
	Timeout  duration `toml:"timeout"`
	TTL      duration `toml:"ttl"`
	MaxStale duration `toml:"max_stale"`
}

// NotifyConfig holds notification channel credentials and alert filtering.
type NotifyConfig struct {
	MinSeverity       string   `toml:"min_severity"`
	Cooldown          duration `toml:"cooldown"`
	QueueSize         int      `toml:"queue_size"`
	Timeout           duration `toml:"timeout"`
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
}

// ServerConfig holds HTTP status server settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// ArchiveConfig controls moving terminal cycles to S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// PaperConfig seeds the simulated venues.
type PaperConfig struct {
	KRWBalance  float64 `toml:"krw_balance"`
	USDTBalance float64 `toml:"usdt_balance"`
	FuturesUSDT float64 `toml:"futures_usdt"`
	// HalfSpreadPct and Levels shape the books mirrored from feed prices.
	HalfSpreadPct float64 `toml:"half_spread_pct"`
	Levels        int     `toml:"levels"`
	LevelQty      float64 `toml:"level_qty"`
	// Volume is the 24h quote volume reported for every symbol, per side.
	VolumeKRW     float64               `toml:"volume_krw"`
	VolumeUSD     float64               `toml:"volume_usd"`
	TransferDelay duration              `toml:"transfer_delay"`
	Prices        map[string]PaperPrice `toml:"prices"`
}

// PaperPrice is a starting mid price for one symbol on both venues.
type PaperPrice struct {
	KRW float64 `toml:"krw"`
	USD float64 `toml:"usd"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Venues: VenuesConfig{
			KRW: VenueConfig{
				Name:        "upbit",
				Driver:      "paper",
				MakerFeeBps: 5,
				TakerFeeBps: 5,
				QueryLimit:  10,
				OrderLimit:  8,
				RateWindow:  duration{time.Second},
			},
			USD: VenueConfig{
				Name:          "binance",
				Driver:        "paper",
				MakerFeeBps:   10,
				TakerFeeBps:   10,
				FuturesFeeBps: 4,
				WithdrawFee:   map[string]float64{"XRP": 0.25, "TRX": 1, "XLM": 0.01},
				QueryLimit:    20,
				OrderLimit:    10,
				RateWindow:    duration{time.Second},
			},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "kimpbot",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "kimpbot",
			PriceTTL:     duration{time.Minute},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "kimpbot-archive",
			Prefix:         "archive",
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Symbols:           []string{"XRP", "TRX", "XLM"},
			MinNetProfitPct:   0.5,
			MaxReverseLossPct: 0.3,
			MinVolumeKRW:      1_000_000_000,
			MinVolumeUSD:      1_000_000,
			TargetReturnPct:   0.1,
			MaxSearchDuration: duration{24 * time.Hour},
			Hedge:             true,
			HedgeLeverage:     1,
		},
		Executor: ExecutorConfig{
			OrderRetryLimit:     3,
			RepriceStepPct:      0.1,
			FillPollInterval:    duration{2 * time.Second},
			FillTimeout:         duration{30 * time.Second},
			DepositPollInterval: duration{10 * time.Second},
			DepositTimeout:      duration{30 * time.Minute},
			PartialDepositRatio: 0.5,
			BalanceMatchRatio:   0.998,
			SellTickInterval:    duration{3 * time.Second},
			ExitSellTimeout:     duration{10 * time.Minute},
			ExitPricing:         "bid",
			BookDepth:           15,
			PersistRetries:      3,
		},
		Capital: CapitalConfig{
			Strategy:          "fixed",
			FixedAmountKRW:    1_000_000,
			Percent:           20,
			InitialCapitalKRW: 10_000_000,
			CacheTTL:          duration{30 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Sessions:       3,
			DecisionWindow: duration{5 * time.Second},
			TickInterval:   duration{5 * time.Second},
			LockKey:        "engine",
			LockTTL:        duration{30 * time.Second},
			AwaitingWeight: 100,
			InFlightWeight: 50,
			IdleWeight:     10,
			RatioWeight:    1,
			WaitWeight:     20,
			WaitSaturation: duration{24 * time.Hour},
		},
		Feed: FeedConfig{
			PollInterval: duration{time.Second},
			BookDepth:    15,
			VolumeEvery:  60,
			Buffer:       1024,
			MaxPriceAge:  duration{30 * time.Second},
		},
		FX: FXConfig{
			Source:   "static",
			Static:   1350,
			Timeout:  duration{5 * time.Second},
			TTL:      duration{time.Minute},
			MaxStale: duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			MinSeverity: "info",
			Cooldown:    duration{5 * time.Minute},
			QueueSize:   256,
			Timeout:     duration{10 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Retention: duration{90 * 24 * time.Hour},
			Interval:  duration{6 * time.Hour},
			BatchSize: 500,
		},
		Paper: PaperConfig{
			KRWBalance:    10_000_000,
			USDTBalance:   7_500,
			FuturesUSDT:   5_000,
			HalfSpreadPct: 0.05,
			Levels:        10,
			LevelQty:      50_000,
			VolumeKRW:     50_000_000_000,
			VolumeUSD:     50_000_000,
			TransferDelay: duration{2 * time.Minute},
			Prices: map[string]PaperPrice{
				"XRP": {KRW: 1000, USD: 0.70},
				"TRX": {KRW: 300, USD: 0.21},
				"XLM": {KRW: 450, USD: 0.32},
			},
		},
	}
}

var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

var validSizing = map[string]bool{
	"fixed":   true,
	"percent": true,
	"full":    true,
}

// Validate checks the configuration for internal consistency and returns one
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: paper, live)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	live := strings.EqualFold(c.Mode, "live")

	// Venues
	for side, v := range map[string]VenueConfig{"krw": c.Venues.KRW, "usd": c.Venues.USD} {
		if v.Name == "" {
			add("venues.%s: name must not be empty", side)
		}
		if v.Driver == "" {
			add("venues.%s: driver must not be empty", side)
		}
		if v.MakerFeeBps < 0 || v.TakerFeeBps < 0 || v.FuturesFeeBps < 0 {
			add("venues.%s: fees must be >= 0", side)
		}
		if v.QueryLimit < 0 || v.OrderLimit < 0 {
			add("venues.%s: query_limit and order_limit must be >= 0", side)
		}
	}
	if c.Venues.KRW.Name != "" && strings.EqualFold(c.Venues.KRW.Name, c.Venues.USD.Name) {
		add("venues: krw and usd must name different venues")
	}

	// Postgres and Redis back live mode only.
	if live {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Trading
	if len(c.Trading.Symbols) == 0 {
		add("trading: symbols must not be empty")
	}
	if c.Trading.MaxReverseLossPct < 0 {
		add("trading: max_reverse_loss_pct must be >= 0")
	}
	if c.Trading.MinVolumeKRW < 0 || c.Trading.MinVolumeUSD < 0 {
		add("trading: volume floors must be >= 0")
	}
	if c.Trading.TargetReturnPct < 0 {
		add("trading: target_return_pct must be >= 0")
	}
	if c.Trading.MaxSearchDuration.Duration <= 0 {
		add("trading: max_search_duration must be > 0")
	}
	if c.Trading.Hedge && c.Trading.HedgeLeverage < 1 {
		add("trading: hedge_leverage must be >= 1 when hedging")
	}

	// Executor
	e := c.Executor
	if e.OrderRetryLimit < 1 {
		add("executor: order_retry_limit must be >= 1")
	}
	if e.RepriceStepPct < 0 {
		add("executor: reprice_step_pct must be >= 0")
	}
	for name, d := range map[string]duration{
		"fill_poll_interval":    e.FillPollInterval,
		"fill_timeout":          e.FillTimeout,
		"deposit_poll_interval": e.DepositPollInterval,
		"deposit_timeout":       e.DepositTimeout,
		"sell_tick_interval":    e.SellTickInterval,
		"exit_sell_timeout":     e.ExitSellTimeout,
	} {
		if d.Duration <= 0 {
			add("executor: %s must be > 0", name)
		}
	}
	if e.FillPollInterval.Duration > e.FillTimeout.Duration {
		add("executor: fill_poll_interval must not exceed fill_timeout")
	}
	if e.PartialDepositRatio <= 0 || e.PartialDepositRatio > 1 {
		add("executor: partial_deposit_ratio must be in (0, 1]")
	}
	if e.BalanceMatchRatio <= 0 || e.BalanceMatchRatio > 1 {
		add("executor: balance_match_ratio must be in (0, 1]")
	}
	if e.ExitPricing != "bid" && e.ExitPricing != "ask" {
		add("executor: exit_pricing must be \"bid\" or \"ask\", got %q", e.ExitPricing)
	}

	// Capital
	if !validSizing[c.Capital.Strategy] {
		add("capital: unknown strategy %q (valid: fixed, percent, full)", c.Capital.Strategy)
	}
	if c.Capital.Strategy == "fixed" && c.Capital.FixedAmountKRW <= 0 {
		add("capital: fixed_amount_krw must be > 0 for the fixed strategy")
	}
	if c.Capital.Strategy == "percent" && (c.Capital.Percent <= 0 || c.Capital.Percent > 100) {
		add("capital: percent must be in (0, 100] for the percent strategy")
	}
	if c.Capital.InitialCapitalKRW < 0 || c.Capital.MaxInvestmentKRW < 0 {
		add("capital: amounts must be >= 0")
	}

	// Scheduler
	if c.Scheduler.Sessions < 1 {
		add("scheduler: sessions must be >= 1")
	}
	if c.Scheduler.DecisionWindow.Duration <= 0 {
		add("scheduler: decision_window must be > 0")
	}
	if c.Scheduler.TickInterval.Duration <= 0 {
		add("scheduler: tick_interval must be > 0")
	}

	// Feed
	if c.Feed.PollInterval.Duration <= 0 {
		add("feed: poll_interval must be > 0")
	}
	if c.Feed.MaxPriceAge.Duration < 0 {
		add("feed: max_price_age must be >= 0")
	}

	// FX
	switch c.FX.Source {
	case "static":
		if c.FX.Static <= 0 {
			add("fx: static rate must be > 0")
		}
	case "http":
		if c.FX.URL == "" {
			add("fx: url must not be empty for the http source")
		}
		if c.FX.Field == "" {
			add("fx: field must not be empty for the http source")
		}
	default:
		add("fx: unknown source %q (valid: static, http)", c.FX.Source)
	}

	// Notify
	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		add("notify: unknown min_severity %q (valid: info, warning, critical)", c.Notify.MinSeverity)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty when enabled")
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
