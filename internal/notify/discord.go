package notify

import (
	"context"
	"net/http"
	"time"
)

// Discord embed limits, in characters.
const (
	discordTitleMax       = 256
	discordDescriptionMax = 4096
)

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender. timeout defaults to 10s.
func NewDiscordSender(webhookURL string, timeout time.Duration) *DiscordSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: timeout}}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []map[string]any{{
			"title":       truncate(title, discordTitleMax),
			"description": truncate(message, discordDescriptionMax),
		}},
		"allowed_mentions": map[string]any{"parse": []string{}},
	})
}

func (d *DiscordSender) Name() string { return "discord" }
