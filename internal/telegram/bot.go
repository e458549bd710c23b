// Package telegram adapts Telegram chat commands onto the alert engine.
//
// The bot long-polls getUpdates and translates commands into engine
// calls; the chat id doubles as the user id, so notifications for a
// subscription land in the chat that created it. Outbound replies go
// through the same sink the engine uses for alert delivery.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-screener/internal/config"
	"futures-screener/internal/engine"
)

const helpText = `Commands:
/alert <expression> - subscribe to an alert, e.g. /alert price > 5 & volume > 1000000 @300
/alerts - list your subscriptions
/unsubscribe <id> - drop one subscription
/unsubscribe_all - drop all subscriptions
/help - this message`

// Alerts is the subscription surface the bot drives. Implemented by the
// engine.
type Alerts interface {
	Subscribe(expr string, userID int64) (engine.AlertInfo, error)
	Unsubscribe(id string, userID int64) error
	UnsubscribeAll(userID int64) int
	ListUser(userID int64) []engine.AlertInfo
}

// Replier sends a plain-text message to a chat. Implemented by the
// telegram notification sink, so replies reuse its message chunking.
type Replier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Bot runs the getUpdates loop and dispatches commands.
type Bot struct {
	http        *resty.Client
	alerts      Alerts
	replier     Replier
	logger      *slog.Logger
	pollTimeout time.Duration
	offset      int64
}

// Telegram Bot API shapes, reduced to the fields the bot reads.
type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

type update struct {
	ID      int64    `json:"update_id"`
	Message *message `json:"message"`
}

type message struct {
	Text string `json:"text"`
	Chat chat   `json:"chat"`
}

type chat struct {
	ID int64 `json:"id"`
}

// NewBot builds the command adapter. The HTTP timeout sits above the
// long-poll window so a full idle poll is not treated as a failure.
func NewBot(cfg config.TelegramConfig, alerts Alerts, replier Replier, logger *slog.Logger) *Bot {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", base, cfg.Token)).
		SetTimeout(cfg.PollTimeout + 10*time.Second)

	return &Bot{
		http:        client,
		alerts:      alerts,
		replier:     replier,
		logger:      logger.With("component", "telegram-bot"),
		pollTimeout: cfg.PollTimeout,
	}
}

// Run polls for updates until ctx is canceled. Poll failures back off a
// fixed 5s so a Telegram outage does not spin the loop.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started", "poll_timeout", b.pollTimeout)

	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bot stopped")
			return
		}

		updates, err := b.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bot stopped")
				return
			}
			b.logger.Error("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.ID >= b.offset {
				b.offset = u.ID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.handleCommand(ctx, u.Message.Chat.ID, u.Message.Text)
		}
	}
}

func (b *Bot) poll(ctx context.Context) ([]update, error) {
	var out updatesResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.FormatInt(b.offset, 10),
			"timeout": strconv.Itoa(int(b.pollTimeout / time.Second)),
		}).
		SetResult(&out).
		Get("/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !out.OK {
		return nil, fmt.Errorf("getUpdates: status %d", resp.StatusCode())
	}
	return out.Result, nil
}

// handleCommand parses one chat message and replies. Unknown input gets
// pointed at /help rather than silence.
func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	// Group chats address commands as /cmd@BotName.
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/start", "/help":
		b.reply(ctx, chatID, helpText)

	case "/alert":
		expr := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
		if expr == "" {
			b.reply(ctx, chatID, "Usage: /alert <expression>")
			return
		}
		info, err := b.alerts.Subscribe(expr, chatID)
		if err != nil {
			// Parse errors carry the offset and reason; show them as-is.
			b.reply(ctx, chatID, err.Error())
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("Subscribed: %s\nID: %s", info.Expression, info.ID))

	case "/alerts":
		infos := b.alerts.ListUser(chatID)
		if len(infos) == 0 {
			b.reply(ctx, chatID, "You have no alerts.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Your alerts:\n")
		for _, info := range infos {
			fmt.Fprintf(&sb, "%s  %s  (%d subscriber(s))\n", info.ID, info.Expression, info.SubscribersCount)
		}
		b.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))

	case "/unsubscribe":
		if len(fields) != 2 {
			b.reply(ctx, chatID, "Usage: /unsubscribe <id>")
			return
		}
		err := b.alerts.Unsubscribe(fields[1], chatID)
		switch {
		case errors.Is(err, engine.ErrUnknownAlert):
			b.reply(ctx, chatID, "No alert with that id.")
		case errors.Is(err, engine.ErrNotSubscribed):
			b.reply(ctx, chatID, "You are not subscribed to that alert.")
		case err != nil:
			b.reply(ctx, chatID, "Could not unsubscribe, try again.")
			b.logger.Error("unsubscribe failed", "chat_id", chatID, "error", err)
		default:
			b.reply(ctx, chatID, "Unsubscribed.")
		}

	case "/unsubscribe_all":
		n := b.alerts.UnsubscribeAll(chatID)
		b.reply(ctx, chatID, fmt.Sprintf("Removed %d alert(s).", n))

	default:
		b.reply(ctx, chatID, "Unknown command. Send /help for usage.")
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.replier.SendText(ctx, chatID, text); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}
