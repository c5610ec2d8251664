package db

import "time"

type Task struct {
	Owner     int64
	ID        int        // sequence number within the owner's tasks
	Text      string     // never empty
	Done      bool       // only goes from false to true
	CreatedAt time.Time  // UTC
	DueAt     *time.Time // UTC, minute precision; nil when there's no deadline
}

// DueTask is a task whose deadline has come, along with what's needed to
// notify its owner.
type DueTask struct {
	Owner    int64
	ID       int
	Text     string
	DueAt    time.Time
	ChatID   int64
	TZOffset *int
}

type dueOp int

const (
	dueKeep dueOp = iota
	dueClear
	dueSet
)

// DueUpdate describes what happens with the deadline on update: it's kept,
// cleared or set.
type DueUpdate struct {
	op dueOp
	at time.Time
}

func KeepDue() DueUpdate           { return DueUpdate{op: dueKeep} }
func ClearDue() DueUpdate          { return DueUpdate{op: dueClear} }
func SetDue(t time.Time) DueUpdate { return DueUpdate{op: dueSet, at: t} }

// DueFrom returns SetDue for non-nil t and ClearDue otherwise.
func DueFrom(t *time.Time) DueUpdate {
	if t == nil {
		return ClearDue()
	}
	return SetDue(*t)
}

// TaskUpdate lists fields to change. Nil fields stay untouched.
type TaskUpdate struct {
	Text *string
	Done *bool
	Due  DueUpdate
}

// Apply returns the deadline that results from applying u to cur.
func (u DueUpdate) Apply(cur *time.Time) *time.Time {
	switch u.op {
	case dueClear:
		return nil
	case dueSet:
		t := minutePrecision(u.at)
		return &t
	}
	return cur
}
