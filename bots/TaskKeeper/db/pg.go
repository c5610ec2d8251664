package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var readCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// CreateUser creates a new user or updates chat ID for the case when the bot
// was deleted earlier.
func (d *Database) CreateUser(ctx context.Context, usr, cht int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.pool.Exec(ctx, `INSERT INTO users(user_id, chat_id, created_on)
VALUES($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET chat_id=EXCLUDED.chat_id`, usr, cht, d.now())
	if err != nil {
		return errors.Wrap(err, "failed creating user")
	}
	return nil
}

// AddTask appends a new task to the owner's list. The owner's counter row is
// locked by the upsert, so concurrent adds get distinct IDs.
func (d *Database) AddTask(ctx context.Context, owner int64, text string) (*Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tx, err := d.pool.BeginTx(ctx, readCommitted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	now := d.now()

	var id int
	err = tx.QueryRow(ctx, `INSERT INTO users(user_id, chat_id, last_task_id, created_on)
VALUES($1, $1, 1, $2)
ON CONFLICT (user_id) DO UPDATE SET last_task_id=users.last_task_id+1
RETURNING last_task_id`, owner, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed allocating task ID")
	}

	if _, err = tx.Exec(ctx, `INSERT INTO tasks(owner_id, task_id, text, is_done, created_at)
VALUES($1, $2, $3, FALSE, $4)`, owner, id, text, now); err != nil {
		return nil, errors.Wrap(err, "failed to add task")
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit")
	}

	return &Task{Owner: owner, ID: id, Text: text, CreatedAt: now}, nil
}

func (d *Database) GetTask(ctx context.Context, owner int64, id int) (*Task, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	t := Task{Owner: owner}
	err := d.pool.QueryRow(ctx, `SELECT task_id, text, is_done, created_at, due_at
FROM tasks
WHERE owner_id=$1 AND task_id=$2`, owner, id).Scan(&t.ID, &t.Text, &t.Done, &t.CreatedAt, &t.DueAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, errors.Wrap(err, "failed fetching task")
	}

	return normalizeTask(&t), nil
}

// ListTasks returns active tasks first, each group ordered by ID.
func (d *Database) ListTasks(ctx context.Context, owner int64) ([]Task, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.pool.Query(ctx, `SELECT task_id, text, is_done, created_at, due_at
FROM tasks
WHERE owner_id=$1
ORDER BY is_done, task_id`, owner)
	if err != nil {
		return nil, errors.Wrap(err, "failed querying tasks")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t := Task{Owner: owner}
		if err := rows.Scan(&t.ID, &t.Text, &t.Done, &t.CreatedAt, &t.DueAt); err != nil {
			return nil, errors.Wrap(err, "failed scanning task")
		}
		tasks = append(tasks, *normalizeTask(&t))
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading tasks")
	}

	return tasks, nil
}

func (d *Database) UpdateTask(ctx context.Context, owner int64, id int, upd TaskUpdate) error {
	args := []any{owner, id}
	var sets []string

	if upd.Text != nil {
		text := strings.TrimSpace(*upd.Text)
		if text == "" {
			return ErrEmptyText
		}
		args = append(args, text)
		sets = append(sets, fmt.Sprintf("text=$%d", len(args)))
	}

	if upd.Done != nil {
		if !*upd.Done {
			return ErrReopen
		}
		sets = append(sets, "is_done=TRUE")
	}

	switch upd.Due.op {
	case dueClear:
		sets = append(sets, "due_at=NULL")
	case dueSet:
		args = append(args, minutePrecision(upd.Due.at))
		sets = append(sets, fmt.Sprintf("due_at=$%d", len(args)))
	}

	if len(sets) == 0 {
		_, err := d.GetTask(ctx, owner, id)
		return err
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tag, err := d.pool.Exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+`
WHERE owner_id=$1 AND task_id=$2`, args...)
	if err != nil {
		return errors.Wrap(err, "failed updating task")
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Database) DeleteTask(ctx context.Context, owner int64, id int) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tag, err := d.pool.Exec(ctx, `DELETE FROM tasks WHERE owner_id=$1 AND task_id=$2`, owner, id)
	if err != nil {
		return errors.Wrap(err, "failed deleting task")
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDue sets the deadline, nil clears it.
func (d *Database) SetDue(ctx context.Context, owner int64, id int, due *time.Time) error {
	return d.UpdateTask(ctx, owner, id, TaskUpdate{Due: DueFrom(due)})
}

func (d *Database) MarkDone(ctx context.Context, owner int64, id int) error {
	done := true
	return d.UpdateTask(ctx, owner, id, TaskUpdate{Done: &done})
}

// ListDueTasks returns tasks of all users whose deadline is at or before asOf.
func (d *Database) ListDueTasks(ctx context.Context, asOf time.Time) ([]DueTask, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.pool.Query(ctx, `SELECT t.owner_id, t.task_id, t.text, t.due_at, COALESCE(u.chat_id, t.owner_id), u.tz_offset_minutes
FROM tasks t
LEFT JOIN users u ON u.user_id=t.owner_id
WHERE t.due_at IS NOT NULL AND t.due_at<=$1
ORDER BY t.due_at, t.owner_id, t.task_id`, asOf.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed querying due tasks")
	}
	defer rows.Close()

	var tasks []DueTask
	for rows.Next() {
		var t DueTask
		if err := rows.Scan(&t.Owner, &t.ID, &t.Text, &t.DueAt, &t.ChatID, &t.TZOffset); err != nil {
			return nil, errors.Wrap(err, "failed scanning due task")
		}
		t.DueAt = t.DueAt.UTC()
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading due tasks")
	}

	return tasks, nil
}

// RetireDue clears the deadline only if it still equals due, so a deadline
// the user has changed in the meantime survives. It reports whether the
// deadline was cleared.
func (d *Database) RetireDue(ctx context.Context, owner int64, id int, due time.Time) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tag, err := d.pool.Exec(ctx, `UPDATE tasks SET due_at=NULL
WHERE owner_id=$1 AND task_id=$2 AND due_at=$3`, owner, id, due.UTC())
	if err != nil {
		return false, errors.Wrap(err, "failed clearing deadline")
	}
	return tag.RowsAffected() > 0, nil
}

// PostponeDue moves every earlier deadline of active tasks to until and
// returns the number of moved deadlines.
func (d *Database) PostponeDue(ctx context.Context, owner int64, until time.Time) (int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tag, err := d.pool.Exec(ctx, `UPDATE tasks SET due_at=$2
WHERE owner_id=$1 AND NOT is_done AND due_at IS NOT NULL AND due_at<$2`, owner, minutePrecision(until))
	if err != nil {
		return 0, errors.Wrap(err, "failed postponing deadlines")
	}
	return int(tag.RowsAffected()), nil
}

// GetTZOffset returns nil if the user hasn't calibrated the time zone yet.
func (d *Database) GetTZOffset(ctx context.Context, usr int64) (*int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var offset *int
	err := d.pool.QueryRow(ctx, `SELECT tz_offset_minutes FROM users WHERE user_id=$1`, usr).Scan(&offset)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed fetching time zone offset")
	}
	return offset, nil
}

func (d *Database) SetTZOffset(ctx context.Context, usr int64, minutes int) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.pool.Exec(ctx, `INSERT INTO users(user_id, chat_id, tz_offset_minutes, created_on)
VALUES($1, $1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET tz_offset_minutes=EXCLUDED.tz_offset_minutes`, usr, minutes, d.now())
	if err != nil {
		return errors.Wrap(err, "failed updating time zone offset")
	}
	return nil
}

func (d *Database) GetOrCreateAccessToken(ctx context.Context, usr int64) (string, error) {
	return d.upsertToken(ctx, usr, `COALESCE(users.access_token, EXCLUDED.access_token)`)
}

// RotateAccessToken replaces the token, the previous one stops working at
// once.
func (d *Database) RotateAccessToken(ctx context.Context, usr int64) (string, error) {
	return d.upsertToken(ctx, usr, `EXCLUDED.access_token`)
}

func (d *Database) upsertToken(ctx context.Context, usr int64, value string) (string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var token string
	err := d.pool.QueryRow(ctx, `INSERT INTO users(user_id, chat_id, access_token, created_on)
VALUES($1, $1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET access_token=`+value+`
RETURNING access_token`, usr, d.NewToken(), d.now()).Scan(&token)
	if err != nil {
		return "", errors.Wrap(err, "failed storing access token")
	}
	return token, nil
}

func (d *Database) ResolveOwnerByToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var usr int64
	err := d.pool.QueryRow(ctx, `SELECT user_id FROM users WHERE access_token=$1`, token).Scan(&usr)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, ErrInvalidToken
	case err != nil:
		return 0, errors.Wrap(err, "failed resolving access token")
	}
	return usr, nil
}

// GetScreen returns ID of the live message in the conversation.
func (d *Database) GetScreen(ctx context.Context, cht, usr int64) (int, bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var msgID int
	err := d.pool.QueryRow(ctx, `SELECT message_id FROM screens WHERE chat_id=$1 AND user_id=$2`, cht, usr).Scan(&msgID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Wrap(err, "failed fetching screen")
	}
	return msgID, true, nil
}

func (d *Database) SetScreen(ctx context.Context, cht, usr int64, msgID int) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.pool.Exec(ctx, `INSERT INTO screens(chat_id, user_id, message_id)
VALUES($1, $2, $3)
ON CONFLICT (chat_id, user_id) DO UPDATE SET message_id=EXCLUDED.message_id`, cht, usr, msgID)
	if err != nil {
		return errors.Wrap(err, "failed storing screen")
	}
	return nil
}

func (d *Database) ClearScreen(ctx context.Context, cht, usr int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.pool.Exec(ctx, `DELETE FROM screens WHERE chat_id=$1 AND user_id=$2`, cht, usr)
	if err != nil {
		return errors.Wrap(err, "failed clearing screen")
	}
	return nil
}

func normalizeTask(t *Task) *Task {
	t.CreatedAt = t.CreatedAt.UTC()
	if t.DueAt != nil {
		due := t.DueAt.UTC()
		t.DueAt = &due
	}
	return t
}

func minutePrecision(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
