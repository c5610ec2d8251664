package screen

import (
	"context"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Conversation identifies a chat with a particular user.
type Conversation struct {
	ChatID int64
	UserID int64
}

// Messenger delivers messages to the chat service.
type Messenger interface {
	// Edit replaces text and keyboard of the message. An edit that doesn't
	// change anything is a success.
	Edit(ctx context.Context, chat int64, msgID int, text string, kb *tg.InlineKeyboardMarkup) error
	Delete(ctx context.Context, chat int64, msgID int) error
	// Send posts a new message and returns its ID.
	Send(ctx context.Context, chat int64, text string, kb *tg.InlineKeyboardMarkup) (int, error)
}

// References keeps the ID of the live message of every conversation.
type References interface {
	GetScreen(ctx context.Context, cht, usr int64) (int, bool, error)
	SetScreen(ctx context.Context, cht, usr int64, msgID int) error
	ClearScreen(ctx context.Context, cht, usr int64) error
}

type Status int

const (
	Skipped Status = iota
	OK
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

type StepResult struct {
	Status Status
	Err    error
}

func done(err error) StepResult {
	if err != nil {
		return StepResult{Status: Failed, Err: err}
	}
	return StepResult{Status: OK}
}

// RenderResult tells what happened on every step of a render.
type RenderResult struct {
	Edit      StepResult
	Delete    StepResult
	Send      StepResult
	MessageID int
}

// Err returns nil when the screen is live after the render.
func (r RenderResult) Err() error {
	if r.Edit.Status == OK || r.Send.Status == OK {
		return nil
	}
	return r.Send.Err
}

// Manager keeps a single live message per conversation. Every render edits
// that message in place and falls back to a fresh one when the edit fails.
type Manager struct {
	Messenger  Messenger
	References References
	Logger     *zap.SugaredLogger
}

func NewManager(m Messenger, refs References, l *zap.SugaredLogger) *Manager {
	return &Manager{Messenger: m, References: refs, Logger: l}
}

// Render shows the text on the live message of the conversation.
func (m *Manager) Render(ctx context.Context, conv Conversation, text string, kb *tg.InlineKeyboardMarkup) RenderResult {
	var res RenderResult

	msgID, ok, err := m.References.GetScreen(ctx, conv.ChatID, conv.UserID)
	if err != nil {
		m.Logger.Errorw("failed looking up screen", "err", err, "chat", conv.ChatID)
		ok = false
	}

	if ok {
		res.Edit = done(m.Messenger.Edit(ctx, conv.ChatID, msgID, text, kb))
		if res.Edit.Status == OK {
			res.MessageID = msgID
			return res
		}

		m.Logger.Debugw("failed editing screen, sending a new one", "err", res.Edit.Err, "msg", msgID)

		// the old message may be gone already, so the outcome doesn't matter
		res.Delete = done(m.Messenger.Delete(ctx, conv.ChatID, msgID))

		if err := m.References.ClearScreen(ctx, conv.ChatID, conv.UserID); err != nil {
			m.Logger.Errorw("failed clearing screen", "err", err)
		}
	}

	id, err := m.Messenger.Send(ctx, conv.ChatID, text, kb)
	res.Send = done(err)
	if err != nil {
		m.Logger.Errorw("failed sending screen", "err", err, "chat", conv.ChatID)
		return res
	}
	res.MessageID = id

	if err := m.References.SetScreen(ctx, conv.ChatID, conv.UserID, id); err != nil {
		m.Logger.Errorw("failed storing screen", "err", err, "msg", id)
	}

	return res
}

// Notify posts a standalone message. The live message stays as it is, so
// the next render keeps editing it.
func (m *Manager) Notify(ctx context.Context, conv Conversation, text string) error {
	_, err := m.Messenger.Send(ctx, conv.ChatID, text, nil)
	return err
}

// Discard deletes a user's message, e.g. a handled command. Failures are
// only logged.
func (m *Manager) Discard(ctx context.Context, conv Conversation, msgID int) {
	if err := m.Messenger.Delete(ctx, conv.ChatID, msgID); err != nil {
		m.Logger.Debugw("failed deleting message", "err", err, "msg", msgID)
	}
}
