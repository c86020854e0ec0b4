package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers alerts to a chat via the Bot API. It is send-only:
// no poller is attached.
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Offline skips the initial getMe probe (tests).
	Offline bool
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: cfg.Offline})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Telegram{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, m Message) (Result, error) {
	_ = ctx // telebot owns its own HTTP timeouts

	text := prefixFor(m.Priority) + m.Title
	if m.Body != "" {
		text += "\n" + m.Body
	}

	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, opt)
	if err == nil {
		return Result{StatusCode: http.StatusOK}, nil
	}

	// Bot API floods surface as a synthesized 429 so the dispatcher treats
	// them as a throttle, not a counted failure.
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{StatusCode: http.StatusTooManyRequests}, nil
	}
	return Result{}, fmt.Errorf("telegram send: %w", err)
}
