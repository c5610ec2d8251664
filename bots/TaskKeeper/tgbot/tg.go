package tgbot

import (
	"context"
	"strings"
	"sync"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/picker"
	"taskkeeper/bots/TaskKeeper/screen"
	"taskkeeper/bots/TaskKeeper/timezone"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
)

// Store is the part of the database the chat uses.
type Store interface {
	CreateUser(ctx context.Context, usr, cht int64) error
	AddTask(ctx context.Context, owner int64, text string) (*db.Task, error)
	GetTask(ctx context.Context, owner int64, id int) (*db.Task, error)
	ListTasks(ctx context.Context, owner int64) ([]db.Task, error)
	UpdateTask(ctx context.Context, owner int64, id int, upd db.TaskUpdate) error
	DeleteTask(ctx context.Context, owner int64, id int) error
	SetDue(ctx context.Context, owner int64, id int, due *time.Time) error
	MarkDone(ctx context.Context, owner int64, id int) error
	PostponeDue(ctx context.Context, owner int64, until time.Time) (int, error)
	GetTZOffset(ctx context.Context, usr int64) (*int, error)
	GetOrCreateAccessToken(ctx context.Context, usr int64) (string, error)
	RotateAccessToken(ctx context.Context, usr int64) (string, error)
}

// Screen shows the live message of a conversation.
type Screen interface {
	Render(ctx context.Context, conv screen.Conversation, text string, kb *tg.InlineKeyboardMarkup) screen.RenderResult
	Discard(ctx context.Context, conv screen.Conversation, msgID int)
}

type Stage int

const (
	stageIdle Stage = iota
	stageAdd
	stageEditText
	stageCalibrate
	stagePostpone
	stagePicker
)

// state of a conversation. Updates of the same conversation are handled one
// at a time under mu. An idle state nobody holds is dropped.
type state struct {
	mu     sync.Mutex
	refs   int // guarded by TBot.mu
	stage  Stage
	taskID int
	anchor timezone.Anchor
	picker *picker.Session
}

func (s *state) reset() {
	s.stage = stageIdle
	s.taskID = 0
	s.anchor = timezone.Anchor{}
	s.picker = nil
}

type TBot struct {
	Bot        screen.Requester
	DB         Store
	Screen     Screen
	Calibrator *timezone.Calibrator
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	WebBaseURL string

	mu     sync.Mutex
	states map[screen.Conversation]*state
}

func NewTBot(api screen.Requester, d *db.Database, scr Screen, clk clock.Clock, lc *timezone.Locator, webBaseURL string, l *zap.SugaredLogger) *TBot {
	return &TBot{
		Bot:        api,
		DB:         d,
		Screen:     scr,
		Calibrator: timezone.NewCalibrator(d, clk, lc),
		Clock:      clk,
		Logger:     l,
		WebBaseURL: webBaseURL,
		states:     make(map[screen.Conversation]*state),
	}
}

// acquire returns the state of the conversation and holds it until release.
func (b *TBot) acquire(conv screen.Conversation) *state {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.states == nil {
		b.states = make(map[screen.Conversation]*state)
	}

	st := b.states[conv]
	if st == nil {
		st = &state{stage: stageIdle}
		b.states[conv] = st
	}
	st.refs++
	return st
}

// release must be called after st.mu is unlocked.
func (b *TBot) release(conv screen.Conversation, st *state) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st.refs--
	if st.refs == 0 && st.stage == stageIdle {
		delete(b.states, conv)
	}
}

// Event is something the user did in a conversation.
type Event interface {
	Conversation() screen.Conversation
	User() int64
	// Respond acknowledges the event after it's handled.
	Respond(ctx context.Context, b *TBot)
}

// DirectMessage is a message or a command sent by the user.
type DirectMessage struct {
	Msg *tg.Message
}

func (e DirectMessage) Conversation() screen.Conversation {
	return screen.Conversation{ChatID: e.Msg.Chat.ID, UserID: e.Msg.From.ID}
}

func (e DirectMessage) User() int64 { return e.Msg.From.ID }

// Respond deletes the message, its outcome is on the screen already.
func (e DirectMessage) Respond(ctx context.Context, b *TBot) {
	b.Screen.Discard(ctx, e.Conversation(), e.Msg.MessageID)
}

// ButtonPress is a press of an inline keyboard button.
type ButtonPress struct {
	Query *tg.CallbackQuery
}

func (e ButtonPress) Conversation() screen.Conversation {
	cht := e.Query.From.ID
	if e.Query.Message != nil && e.Query.Message.Chat != nil {
		cht = e.Query.Message.Chat.ID
	}
	return screen.Conversation{ChatID: cht, UserID: e.Query.From.ID}
}

func (e ButtonPress) User() int64 { return e.Query.From.ID }

func (e ButtonPress) Respond(_ context.Context, b *TBot) {
	if _, err := b.Bot.Request(tg.NewCallback(e.Query.ID, "")); err != nil {
		b.Logger.Debugw("failed answering callback query", "err", err)
	}
}

// HandleUpdate turns the update into an event and handles it. It never
// panics.
func (b *TBot) HandleUpdate(ctx context.Context, u tg.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Errorw("recovered from panic while handling update", "err", r, "update", u.UpdateID)
		}
	}()

	switch {
	case u.Message != nil && u.Message.From != nil && u.Message.Chat != nil:
		b.Handle(ctx, DirectMessage{Msg: u.Message})
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		b.Handle(ctx, ButtonPress{Query: u.CallbackQuery})
	}
}

func (b *TBot) Handle(ctx context.Context, ev Event) {
	conv := ev.Conversation()
	st := b.acquire(conv)
	defer b.release(conv, st)

	st.mu.Lock()
	defer st.mu.Unlock()

	var v *view
	switch e := ev.(type) {
	case DirectMessage:
		if e.Msg.IsCommand() {
			st.reset()
			v = b.runCommand(ctx, conv, st, e.Msg.Command(), e.Msg.CommandArguments())
		} else {
			v = b.handleMessage(ctx, conv, st, e.Msg)
		}
	case ButtonPress:
		v = b.handleCallback(ctx, conv, st, e.Query.Data)
	}

	if v != nil {
		if err := b.Screen.Render(ctx, conv, v.text, v.kb).Err(); err != nil {
			b.Logger.Errorw("failed rendering screen", "err", err)
		}
	}

	ev.Respond(ctx, b)
}

func (b *TBot) handleMessage(ctx context.Context, conv screen.Conversation, st *state, msg *tg.Message) *view {
	usr := conv.UserID

	if msg.Location != nil && st.stage != stagePicker {
		st.reset()
		return b.setLocation(ctx, usr, msg.Location)
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	switch st.stage {
	case stageAdd:
		return b.addTask(ctx, usr, st, text)
	case stageEditText:
		return b.editText(ctx, usr, st, text)
	case stageCalibrate:
		return b.calibrate(ctx, usr, st, text)
	case stagePostpone:
		return b.postpone(ctx, usr, st, text)
	case stagePicker:
		return b.pickerInput(st, text)
	}

	return helpView(txtNoise)
}

func (b *TBot) handleCallback(ctx context.Context, conv screen.Conversation, st *state, data string) *view {
	usr := conv.UserID

	if picker.IsEvent(data) {
		return b.pickerEvent(ctx, usr, st, data)
	}

	if data == cbqNoop {
		return nil
	}

	// any other button abandons whatever the user was entering
	st.reset()

	if strings.HasPrefix(data, cbqCmdPrefix) {
		return b.runCommand(ctx, conv, st, strings.TrimPrefix(data, cbqCmdPrefix), "")
	}

	action, id := splitCallback(data)
	switch action {
	case cbqTasksPage:
		return b.listView(ctx, usr, id, false, "")
	case cbqDeleteMode:
		return b.listView(ctx, usr, 0, true, "")
	case cbqDeleteModePage:
		return b.listView(ctx, usr, id, true, "")
	case cbqTasksPostpone:
		return b.postponePrompt(st, "")
	case cbqTaskCancel:
		return b.listView(ctx, usr, 0, false, "")
	case cbqTaskShow:
		return b.cardView(ctx, usr, id, "")
	case cbqTaskEditText:
		return b.editTextPrompt(ctx, usr, st, id)
	case cbqTaskEditDue:
		return b.editDue(ctx, usr, st, id)
	case cbqTaskMarkDone:
		if err := b.DB.MarkDone(ctx, usr, id); err != nil {
			return b.taskErrView(ctx, usr, id, err)
		}
		return b.cardView(ctx, usr, id, txtMarkedDone)
	case cbqTaskConfirmDelete:
		return b.confirmDelete(ctx, usr, id)
	case cbqTaskDoDelete:
		return b.deleteTask(ctx, usr, id)
	}

	b.Logger.Debugw("unknown callback data", "data", data)
	return b.listView(ctx, usr, 0, false, txtUnknownButton)
}
