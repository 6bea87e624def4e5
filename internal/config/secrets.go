package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Venues.KRW.APIKey)
	redact(&out.Venues.KRW.APISecret)
	redact(&out.Venues.USD.APIKey)
	redact(&out.Venues.USD.APISecret)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	// Copy reference types so callers cannot mutate the original through
	// the redacted copy.
	out.Venues.KRW.WithdrawFee = maps.Clone(cfg.Venues.KRW.WithdrawFee)
	out.Venues.USD.WithdrawFee = maps.Clone(cfg.Venues.USD.WithdrawFee)
	out.Paper.Prices = maps.Clone(cfg.Paper.Prices)
	out.Trading.Symbols = append([]string(nil), cfg.Trading.Symbols...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
