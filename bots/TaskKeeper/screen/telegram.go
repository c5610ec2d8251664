package screen

import (
	"context"
	"strings"
	"time"

	"taskkeeper/bot"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
)

const errNotModified = "Bad Request: message is not modified"

// Requester is the part of the Telegram Bot API the adapter needs.
// *tgbotapi.BotAPI implements it.
type Requester interface {
	Request(c tg.Chattable) (*tg.APIResponse, error)
	Send(c tg.Chattable) (tg.Message, error)
}

// Telegram delivers messages with the Telegram Bot API. Network failures of
// edits and deletes are retried, errors reported by the API aren't. Sending
// is attempted once: a send that timed out may still have been delivered.
type Telegram struct {
	API           Requester
	Clock         clock.Clock
	RetryAttempts int
	RetryDelay    time.Duration
}

func NewTelegram(api Requester, clk clock.Clock) *Telegram {
	return &Telegram{
		API:           api,
		Clock:         clk,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

func (t *Telegram) Edit(ctx context.Context, chat int64, msgID int, text string, kb *tg.InlineKeyboardMarkup) error {
	updText := tg.EditMessageTextConfig{
		BaseEdit: tg.BaseEdit{
			ChatID:      chat,
			MessageID:   msgID,
			ReplyMarkup: kb,
		},
		DisableWebPagePreview: true,
		ParseMode:             tg.ModeHTML,
		Text:                  text,
	}

	err := t.execute(ctx, func() error {
		_, err := t.API.Request(updText)
		if err != nil && strings.HasPrefix(err.Error(), errNotModified) {
			return nil
		}
		return err
	})
	return errors.Wrap(err, "failed updating message text")
}

func (t *Telegram) Delete(ctx context.Context, chat int64, msgID int) error {
	err := t.execute(ctx, func() error {
		_, err := t.API.Request(tg.NewDeleteMessage(chat, msgID))
		return err
	})
	return errors.Wrap(err, "failed deleting message")
}

func (t *Telegram) Send(ctx context.Context, chat int64, text string, kb *tg.InlineKeyboardMarkup) (int, error) {
	m := tg.NewMessage(chat, text)
	m.ParseMode = tg.ModeHTML
	m.DisableWebPagePreview = true
	if kb != nil {
		m.BaseChat.ReplyMarkup = kb
	}

	sent, err := t.API.Send(m)
	if err != nil {
		return 0, errors.Wrap(err, "failed sending message")
	}
	return sent.MessageID, nil
}

func (t *Telegram) execute(ctx context.Context, f func() error) error {
	var err error
	bot.RobustExecute(ctx, t.Clock, t.RetryAttempts, t.RetryDelay, func() bool {
		err = f()
		return err == nil || isRejected(err)
	})
	return err
}

// isRejected tells whether the API refused the request. Repeating it won't
// help.
func isRejected(err error) bool {
	var apiErr *tg.Error
	return errors.As(err, &apiErr)
}
