package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers alerts through a Telegram bot. The bot is used
// send-only; no poller is started.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("notifier: telegram bot token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: false,
		Client:  nil,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	// telebot calls are not context-aware; bound them with a goroutine so a
	// wedged send can't hang a worker past its deadline.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("notifier: telegram send timed out")
	}
}
