package tgbot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/screen"
	"taskkeeper/bots/TaskKeeper/timezone"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu      sync.Mutex
	clk     clock.Clock
	users   map[int64]int64
	lastID  map[int64]int
	tasks   map[int64]map[int]*db.Task
	offsets map[int64]int
	tokens  map[int64]string
	seq     int
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{
		clk:     clk,
		users:   make(map[int64]int64),
		lastID:  make(map[int64]int),
		tasks:   make(map[int64]map[int]*db.Task),
		offsets: make(map[int64]int),
		tokens:  make(map[int64]string),
	}
}

func (s *memStore) CreateUser(_ context.Context, usr, cht int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[usr] = cht
	return nil
}

func (s *memStore) AddTask(_ context.Context, owner int64, text string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, db.ErrEmptyText
	}

	s.lastID[owner]++
	t := &db.Task{Owner: owner, ID: s.lastID[owner], Text: text, CreatedAt: s.clk.Now().UTC()}
	if s.tasks[owner] == nil {
		s.tasks[owner] = make(map[int]*db.Task)
	}
	s.tasks[owner][t.ID] = t

	cp := *t
	return &cp, nil
}

func (s *memStore) GetTask(_ context.Context, owner int64, id int) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[owner][id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ListTasks(_ context.Context, owner int64) ([]db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := []db.Task{}
	for _, t := range s.tasks[owner] {
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Done != tasks[j].Done {
			return !tasks[i].Done
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (s *memStore) UpdateTask(_ context.Context, owner int64, id int, upd db.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[owner][id]
	if !ok {
		return db.ErrNotFound
	}

	if upd.Text != nil {
		text := strings.TrimSpace(*upd.Text)
		if text == "" {
			return db.ErrEmptyText
		}
		t.Text = text
	}
	if upd.Done != nil {
		if !*upd.Done {
			return db.ErrReopen
		}
		t.Done = true
	}
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, owner int64, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[owner][id]; !ok {
		return db.ErrNotFound
	}
	delete(s.tasks[owner], id)
	return nil
}

func (s *memStore) SetDue(_ context.Context, owner int64, id int, due *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[owner][id]
	if !ok {
		return db.ErrNotFound
	}
	if due == nil {
		t.DueAt = nil
		return nil
	}
	d := due.UTC().Truncate(time.Minute)
	t.DueAt = &d
	return nil
}

func (s *memStore) MarkDone(ctx context.Context, owner int64, id int) error {
	done := true
	return s.UpdateTask(ctx, owner, id, db.TaskUpdate{Done: &done})
}

func (s *memStore) PostponeDue(_ context.Context, owner int64, until time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks[owner] {
		if !t.Done && t.DueAt != nil && t.DueAt.Before(until) {
			u := until
			t.DueAt = &u
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetTZOffset(_ context.Context, usr int64) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offsets[usr]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *memStore) SetTZOffset(_ context.Context, usr int64, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[usr] = minutes
	return nil
}

func (s *memStore) GetOrCreateAccessToken(_ context.Context, usr int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[usr]; ok {
		return tok, nil
	}
	s.seq++
	s.tokens[usr] = "token" + strings.Repeat("x", s.seq)
	return s.tokens[usr], nil
}

func (s *memStore) RotateAccessToken(_ context.Context, usr int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.tokens[usr] = "token" + strings.Repeat("x", s.seq)
	return s.tokens[usr], nil
}

func (s *memStore) task(owner int64, id int) *db.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[owner][id]
}

type rendered struct {
	text string
	kb   *tg.InlineKeyboardMarkup
}

type fakeScreen struct {
	mu        sync.Mutex
	renders   []rendered
	discarded []int
}

func (f *fakeScreen) Render(_ context.Context, _ screen.Conversation, text string, kb *tg.InlineKeyboardMarkup) screen.RenderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, rendered{text, kb})
	return screen.RenderResult{Send: screen.StepResult{Status: screen.OK}, MessageID: 1}
}

func (f *fakeScreen) Discard(_ context.Context, _ screen.Conversation, msgID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, msgID)
}

func (f *fakeScreen) last() rendered {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.renders) == 0 {
		return rendered{}
	}
	return f.renders[len(f.renders)-1]
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []tg.Chattable
}

func (f *fakeAPI) Request(c tg.Chattable) (*tg.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tg.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) Send(c tg.Chattable) (tg.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return tg.Message{MessageID: 1}, nil
}

const (
	testUser = int64(7)
	testChat = int64(7)
)

type testBot struct {
	*TBot
	store  *memStore
	screen *fakeScreen
	api    *fakeAPI
	clk    clock.FakeClock
	msgID  int
}

func newTestBot(t *testing.T, at time.Time) *testBot {
	t.Helper()

	clk := clock.NewFake()
	clk.Set(at)

	lc, err := timezone.NewLocator()
	require.NoError(t, err)

	store := newMemStore(clk)
	scr := &fakeScreen{}
	api := &fakeAPI{}

	b := &TBot{
		Bot:        api,
		DB:         store,
		Screen:     scr,
		Calibrator: timezone.NewCalibrator(store, clk, lc),
		Clock:      clk,
		Logger:     zap.NewNop().Sugar(),
		WebBaseURL: "https://tasks.example.com",
	}

	return &testBot{TBot: b, store: store, screen: scr, api: api, clk: clk, msgID: 100}
}

func (tb *testBot) send(text string) rendered {
	tb.msgID++
	msg := &tg.Message{
		MessageID: tb.msgID,
		From:      &tg.User{ID: testUser},
		Chat:      &tg.Chat{ID: testChat},
		Text:      text,
	}

	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg.Entities = []tg.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}

	tb.HandleUpdate(context.Background(), tg.Update{Message: msg})
	return tb.screen.last()
}

func (tb *testBot) sendLocation(lat, long float64) rendered {
	tb.msgID++
	msg := &tg.Message{
		MessageID: tb.msgID,
		From:      &tg.User{ID: testUser},
		Chat:      &tg.Chat{ID: testChat},
		Location:  &tg.Location{Latitude: lat, Longitude: long},
	}

	tb.HandleUpdate(context.Background(), tg.Update{Message: msg})
	return tb.screen.last()
}

func (tb *testBot) press(data string) rendered {
	cbq := &tg.CallbackQuery{
		ID:      "cbq-" + data,
		From:    &tg.User{ID: testUser},
		Message: &tg.Message{MessageID: 1, Chat: &tg.Chat{ID: testChat}},
		Data:    data,
	}

	tb.HandleUpdate(context.Background(), tg.Update{CallbackQuery: cbq})
	return tb.screen.last()
}

// buttons lists callback data of every button on the keyboard.
func buttons(kb *tg.InlineKeyboardMarkup) []string {
	var data []string
	if kb == nil {
		return data
	}
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil {
				data = append(data, *btn.CallbackData)
			}
			if btn.URL != nil {
				data = append(data, *btn.URL)
			}
		}
	}
	return data
}
