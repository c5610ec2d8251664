package reminder

import (
	"context"
	"fmt"
	"html"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/screen"
	"taskkeeper/bots/TaskKeeper/timezone"

	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultBackoff  = 2 * time.Minute

	fmtReminder = "⏰ Reminder: task #%d\n%s\nDue: %s"
	layoutDue   = "2006-01-02 15:04"
)

type Store interface {
	ListDueTasks(ctx context.Context, asOf time.Time) ([]db.DueTask, error)
	RetireDue(ctx context.Context, owner int64, id int, due time.Time) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, conv screen.Conversation, text string) error
}

// Scheduler periodically delivers reminders for tasks whose deadline has
// passed and clears the deadline once the reminder is delivered.
type Scheduler struct {
	Store    Store
	Notifier Notifier
	Clock    clock.Clock
	Interval time.Duration
	Backoff  time.Duration
	Logger   *zap.SugaredLogger
}

// CycleReport sums up a single scan.
type CycleReport struct {
	Due     int
	Sent    int
	Failed  int
	Retired int
}

func NewScheduler(s Store, n Notifier, clk clock.Clock, l *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Store:    s,
		Notifier: n,
		Clock:    clk,
		Interval: DefaultInterval,
		Backoff:  DefaultBackoff,
		Logger:   l,
	}
}

// Run scans for due tasks until ctx is cancelled. A failed scan is retried
// after Backoff instead of Interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.Logger.Infof("reminders are checked every %v", s.Interval)

	for {
		wait := s.Interval
		rep, err := s.Cycle(ctx)
		if err != nil {
			s.Logger.Errorw("failed reminder cycle", "err", err)
			wait = s.Backoff
		} else if rep.Due > 0 {
			s.Logger.Infow("reminders delivered", "due", rep.Due, "sent", rep.Sent, "failed", rep.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.Clock.After(wait):
		}
	}
}

// Cycle delivers reminders for every task due by now. A task whose reminder
// couldn't be delivered keeps its deadline and is picked up by the next
// cycle.
func (s *Scheduler) Cycle(ctx context.Context) (rep CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("reminder cycle panicked: %v", r)
		}
	}()

	tasks, err := s.Store.ListDueTasks(ctx, s.Clock.Now().UTC())
	if err != nil {
		return rep, errors.Wrap(err, "failed listing due tasks")
	}
	rep.Due = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		l := s.Logger.With("usr", t.Owner, "task", t.ID)

		conv := screen.Conversation{ChatID: t.ChatID, UserID: t.Owner}
		if err := s.Notifier.Notify(ctx, conv, Format(t)); err != nil {
			l.Errorw("failed sending reminder", "err", err)
			rep.Failed++
			continue
		}
		rep.Sent++

		retired, err := s.Store.RetireDue(ctx, t.Owner, t.ID, t.DueAt)
		if err != nil {
			l.Errorw("failed clearing deadline", "err", err)
			continue
		}
		if !retired {
			l.Debug("deadline changed while reminding, keeping it")
			continue
		}
		rep.Retired++
	}

	return rep, nil
}

// Format renders the reminder text with the deadline on the owner's clock.
func Format(t db.DueTask) string {
	local := timezone.LocalTime(t.DueAt, timezone.Offset(t.TZOffset))
	return fmt.Sprintf(fmtReminder, t.ID, html.EscapeString(t.Text), local.Format(layoutDue))
}
