package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

const telegramAPI = "https://api.telegram.org"

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. apiBase overrides the Bot API root; empty uses the public endpoint.
func NewTelegramSender(apiBase, token, chatID string, timeout time.Duration) *TelegramSender {
	if apiBase == "" {
		apiBase = telegramAPI
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramSender{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: timeout},
	}
}

// telegramTextMax is the sendMessage text limit, in characters.
const telegramTextMax = 4096

// Send posts to the configured chat via sendMessage, with the title in bold
// legacy Markdown.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, t.client, "telegram", fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token), map[string]any{
		"chat_id":                  t.chatID,
		"text":                     truncate(fmt.Sprintf("*%s*\n%s", title, message), telegramTextMax),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
