package channel

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"ralph/internal/notify"
	logx "ralph/pkg/logx"
)

// Telegram message bodies are capped by the Bot API; leave headroom so
// the chunk marker never pushes a part over the limit.
const telegramTextLimit = 4000

// Telegram delivers events through a bot to a single chat. The bot is
// send-only: no poller is started, updates are never consumed.
type Telegram struct {
	bot     *tele.Bot
	chatID  int64
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(token string, chatID int64, log logx.Logger) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		// Bot API tolerates roughly one message per second per chat.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		log:     log,
	}, nil
}

func (t *Telegram) Name() string   { return "telegram" }
func (t *Telegram) Batching() bool { return false }

func (t *Telegram) Send(ctx context.Context, ev notify.Event) error {
	chat := &tele.Chat{ID: t.chatID}
	for _, part := range splitText(ev.Render(), telegramTextLimit) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, part); err != nil {
			return classifyTelegram(err)
		}
	}
	return nil
}

func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return fmt.Errorf("telegram: flood control, retry after %ds: %w", flood.RetryAfter, err)
	}
	if errors.Is(err, tele.ErrUnauthorized) || errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return notify.Fatal(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}

// splitText cuts a message into parts no longer than limit, preferring
// newline boundaries so chunks read naturally.
func splitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		parts = append(parts, text)
	}
	return parts
}
