package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends plain text messages through the Bot API. It never polls for
// updates.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

// SendText implements Sender. telebot calls are not context aware, so the
// call is abandoned (not aborted) when ctx ends first.
func (t *Telegram) SendText(ctx context.Context, to Target, text string) error {
	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, opt)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
