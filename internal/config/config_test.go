package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/crypto"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kimpbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "live"
log_level = "debug"

[venues.krw]
name = "bithumb"
taker_fee_bps = 4

[trading]
symbols = ["XRP", "EOS"]
max_search_duration = "12h"

[executor]
fill_timeout = "45s"

[postgres]
dsn = "postgres://kimp:pw@db:5432/kimpbot"
`), 0o600))

	t.Setenv("KIMPBOT_REDIS_ADDR", "redis:6380")
	t.Setenv("KIMPBOT_TRADING_SYMBOLS", "XRP, TRX ,")
	t.Setenv("KIMPBOT_SCHEDULER_TICK_INTERVAL", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "bithumb", cfg.Venues.KRW.Name)
	assert.Equal(t, 4.0, cfg.Venues.KRW.TakerFeeBps)
	assert.Equal(t, 5.0, cfg.Venues.KRW.MakerFeeBps, "untouched fields keep their defaults")
	assert.Equal(t, 12*time.Hour, cfg.Trading.MaxSearchDuration.Duration)
	assert.Equal(t, 45*time.Second, cfg.Executor.FillTimeout.Duration)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"XRP", "TRX"}, cfg.Trading.Symbols)
	assert.Equal(t, 750*time.Millisecond, cfg.Scheduler.TickInterval.Duration)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[executor]\nfill_timeout = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Venues.USD.Name = "UPBIT"
	cfg.Trading.Symbols = nil
	cfg.Executor.PartialDepositRatio = 1.5
	cfg.Executor.ExitPricing = "mid"
	cfg.Capital.Strategy = "kelly"
	cfg.FX.Source = "http"
	cfg.Notify.TelegramToken = "t"
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		"venues: krw and usd must name different venues",
		"trading: symbols must not be empty",
		"partial_deposit_ratio",
		"exit_pricing",
		`capital: unknown strategy "kelly"`,
		"fx: url must not be empty",
		"telegram_token and telegram_chat_id",
		"s3: bucket must not be empty",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in:\n%s", want, msg)
	}
}

func TestValidate_LiveNeedsBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "redis: addr")

	cfg.Mode = "paper"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Venues.USD.APISecret = "secret"
	cfg.Notify.TelegramToken = "token"
	cfg.S3.AccessKey = ""

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Venues.USD.APISecret)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Empty(t, red.S3.AccessKey, "empty secrets stay empty")

	red.Venues.USD.WithdrawFee["XRP"] = 99
	red.Trading.Symbols[0] = "DOGE"
	assert.Equal(t, 0.25, cfg.Venues.USD.WithdrawFee["XRP"])
	assert.Equal(t, "XRP", cfg.Trading.Symbols[0])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}

func TestLoad_OpensSealedCredentials(t *testing.T) {
	sealed, err := crypto.Seal("venue-secret", "pass")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "kimpbot.toml")
	require.NoError(t, os.WriteFile(path, []byte("[venues.usd]\napi_secret = \""+sealed+"\"\n"), 0o600))

	t.Setenv(PassphraseEnv, "pass")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "venue-secret", cfg.Venues.USD.APISecret)

	t.Setenv(PassphraseEnv, "")
	_, err = Load(path)
	assert.ErrorIs(t, err, crypto.ErrPassphrase)
}
