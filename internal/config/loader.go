package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/kimpbot/internal/crypto"
)

// PassphraseEnv names the variable holding the passphrase for sealed
// credential values.
const PassphraseEnv = "KIMPBOT_SECRETS_PASSPHRASE"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KIMPBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := openSealed(&cfg, os.Getenv(PassphraseEnv)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// openSealed decrypts every credential field that holds a sealed value.
func openSealed(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"venues.krw.api_key":         &cfg.Venues.KRW.APIKey,
		"venues.krw.api_secret":      &cfg.Venues.KRW.APISecret,
		"venues.usd.api_key":         &cfg.Venues.USD.APIKey,
		"venues.usd.api_secret":      &cfg.Venues.USD.APISecret,
		"postgres.password":          &cfg.Postgres.Password,
		"redis.password":             &cfg.Redis.Password,
		"s3.secret_key":              &cfg.S3.SecretKey,
		"notify.telegram_token":      &cfg.Notify.TelegramToken,
		"notify.discord_webhook_url": &cfg.Notify.DiscordWebhookURL,
		"server.api_key":             &cfg.Server.APIKey,
	}
	for name, dst := range fields {
		plain, err := crypto.Open(*dst, passphrase)
		if err != nil {
			return fmt.Errorf("config: open %s: %w", name, err)
		}
		*dst = plain
	}
	return nil
}

// applyEnvOverrides reads well-known KIMPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Credentials are meant to arrive this way rather than via the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	setStr(&cfg.Venues.KRW.Name, "KIMPBOT_VENUES_KRW_NAME")
	setStr(&cfg.Venues.KRW.Driver, "KIMPBOT_VENUES_KRW_DRIVER")
	setStr(&cfg.Venues.KRW.APIKey, "KIMPBOT_VENUES_KRW_API_KEY")
	setStr(&cfg.Venues.KRW.APISecret, "KIMPBOT_VENUES_KRW_API_SECRET")
	setStr(&cfg.Venues.USD.Name, "KIMPBOT_VENUES_USD_NAME")
	setStr(&cfg.Venues.USD.Driver, "KIMPBOT_VENUES_USD_DRIVER")
	setStr(&cfg.Venues.USD.APIKey, "KIMPBOT_VENUES_USD_API_KEY")
	setStr(&cfg.Venues.USD.APISecret, "KIMPBOT_VENUES_USD_API_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "KIMPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "KIMPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KIMPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KIMPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KIMPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KIMPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KIMPBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KIMPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KIMPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KIMPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "KIMPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KIMPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KIMPBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "KIMPBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "KIMPBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "KIMPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KIMPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "KIMPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KIMPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KIMPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KIMPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KIMPBOT_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Symbols, "KIMPBOT_TRADING_SYMBOLS")
	setBool(&cfg.Trading.Reverse, "KIMPBOT_TRADING_REVERSE")
	setFloat64(&cfg.Trading.MinNetProfitPct, "KIMPBOT_TRADING_MIN_NET_PROFIT_PCT")
	setFloat64(&cfg.Trading.TargetReturnPct, "KIMPBOT_TRADING_TARGET_RETURN_PCT")
	setBool(&cfg.Trading.Hedge, "KIMPBOT_TRADING_HEDGE")

	// ── Capital ──
	setStr(&cfg.Capital.Strategy, "KIMPBOT_CAPITAL_STRATEGY")
	setFloat64(&cfg.Capital.FixedAmountKRW, "KIMPBOT_CAPITAL_FIXED_AMOUNT_KRW")
	setFloat64(&cfg.Capital.MaxInvestmentKRW, "KIMPBOT_CAPITAL_MAX_INVESTMENT_KRW")
	setFloat64(&cfg.Capital.InitialCapitalKRW, "KIMPBOT_CAPITAL_INITIAL_CAPITAL_KRW")

	// ── Scheduler ──
	setInt(&cfg.Scheduler.Sessions, "KIMPBOT_SCHEDULER_SESSIONS")
	setDuration(&cfg.Scheduler.TickInterval, "KIMPBOT_SCHEDULER_TICK_INTERVAL")

	// ── Feed / FX ──
	setStr(&cfg.Feed.WSURL, "KIMPBOT_FEED_WS_URL")
	setDuration(&cfg.Feed.MaxPriceAge, "KIMPBOT_FEED_MAX_PRICE_AGE")
	setStr(&cfg.FX.Source, "KIMPBOT_FX_SOURCE")
	setFloat64(&cfg.FX.Static, "KIMPBOT_FX_STATIC")
	setStr(&cfg.FX.URL, "KIMPBOT_FX_URL")
	setStr(&cfg.FX.Field, "KIMPBOT_FX_FIELD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KIMPBOT_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "KIMPBOT_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "KIMPBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "KIMPBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.MinSeverity, "KIMPBOT_NOTIFY_MIN_SEVERITY")
	setStr(&cfg.Notify.TelegramToken, "KIMPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KIMPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KIMPBOT_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "KIMPBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "KIMPBOT_ARCHIVE_RETENTION")

	// ── Top-level ──
	setStr(&cfg.Mode, "KIMPBOT_MODE")
	setStr(&cfg.LogLevel, "KIMPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
