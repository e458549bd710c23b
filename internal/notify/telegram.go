// telegram.go implements the Telegram Bot API delivery sink.
//
// Messages longer than the platform's 4096-character limit are split
// into chunks, preferring to break at a newline so symbol lists stay
// readable. The same sender also serves the bot command adapter's
// replies.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-screener/internal/config"
)

// telegramMessageLimit is the Bot API's maximum message length in
// characters (runes, not bytes).
const telegramMessageLimit = 4096

// Telegram sends messages through the Bot API. It implements Sink; user
// ids are Telegram chat ids.
type Telegram struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewTelegram creates the sender for the configured bot token.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}

	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", base, cfg.Token)).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Telegram{
		http:   httpClient,
		logger: logger.With("component", "telegram-sink"),
	}
}

// Name identifies the sink in logs and metrics.
func (t *Telegram) Name() string { return "telegram" }

// Send delivers the notification text to the user's chat.
func (t *Telegram) Send(ctx context.Context, userID int64, n Notification) error {
	return t.SendText(ctx, userID, n.Text)
}

// SendText pushes text to a chat, chunking it when it exceeds the
// platform limit. The first failing chunk aborts the rest.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range SplitMessage(text, telegramMessageLimit) {
		resp, err := t.http.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"chat_id": chatID,
				"text":    chunk,
			}).
			Post("/sendMessage")
		if err != nil {
			return fmt.Errorf("sendMessage: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("sendMessage: status %d: %s", resp.StatusCode(), resp.String())
		}
	}
	return nil
}

// SplitMessage splits text into rune-bounded chunks of at most limit.
// When a chunk boundary falls mid-text, the split backs up to the last
// newline in the second half of the window so lines are kept whole where
// possible.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
