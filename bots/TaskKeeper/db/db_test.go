package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmhodges/clock"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskColumns = []string{"task_id", "text", "is_done", "created_at", "due_at"}

func newTestDB(t *testing.T) (*Database, pgxmock.PgxPoolIface, clock.FakeClock) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	clk := clock.NewFake()
	clk.Set(time.Date(2024, 3, 10, 14, 37, 12, 0, time.UTC))

	d := NewDatabase(mock, clk)
	d.NewToken = func() string { return "fresh-token" }

	return d, mock, clk
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestMigrate(t *testing.T) {
	d, mock, _ := newTestDB(t)

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, d.Migrate(context.Background()))
}

func TestMigrateFails(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))

	err := d.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed migrating schema")
}

func TestAddTaskAllocatesPerOwnerID(t *testing.T) {
	d, mock, clk := newTestDB(t)
	now := clk.Now().UTC()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(q("INSERT INTO users(user_id, chat_id, last_task_id, created_on)")).
		WithArgs(int64(7), now).
		WillReturnRows(pgxmock.NewRows([]string{"last_task_id"}).AddRow(3))
	mock.ExpectExec(q("INSERT INTO tasks(owner_id, task_id, text, is_done, created_at)")).
		WithArgs(int64(7), 3, "Buy milk", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	task, err := d.AddTask(context.Background(), 7, "  Buy milk\n")
	require.NoError(t, err)

	assert.Equal(t, 3, task.ID)
	assert.Equal(t, int64(7), task.Owner)
	assert.Equal(t, "Buy milk", task.Text)
	assert.False(t, task.Done)
	assert.Nil(t, task.DueAt)
	assert.Equal(t, now, task.CreatedAt)
}

func TestAddTaskRejectsEmptyText(t *testing.T) {
	d, _, _ := newTestDB(t)

	_, err := d.AddTask(context.Background(), 7, " \t ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestAddTaskRollsBackOnFailure(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"last_task_id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(int64(7), 1, "Buy milk", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := d.AddTask(context.Background(), 7, "Buy milk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to add task")
}

func TestGetTask(t *testing.T) {
	d, mock, _ := newTestDB(t)

	created := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	due := time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(q("FROM tasks\nWHERE owner_id=$1 AND task_id=$2")).
		WithArgs(int64(7), 3).
		WillReturnRows(pgxmock.NewRows(taskColumns).AddRow(3, "Buy milk", false, created, &due))

	task, err := d.GetTask(context.Background(), 7, 3)
	require.NoError(t, err)

	assert.Equal(t, "Buy milk", task.Text)
	require.NotNil(t, task.DueAt)
	assert.True(t, due.Equal(*task.DueAt))
	assert.True(t, created.Equal(task.CreatedAt))
}

func TestGetTaskNotFound(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectQuery("FROM tasks").
		WithArgs(int64(7), 42).
		WillReturnRows(pgxmock.NewRows(taskColumns))

	_, err := d.GetTask(context.Background(), 7, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksOrdersActiveFirst(t *testing.T) {
	d, mock, _ := newTestDB(t)

	created := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	due := time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(q("ORDER BY is_done, task_id")).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow(2, "Call mom", false, created, &due).
			AddRow(4, "Buy milk", false, created, nil).
			AddRow(1, "Pay rent", true, created, nil))

	tasks, err := d.ListTasks(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, 2, tasks[0].ID)
	assert.NotNil(t, tasks[0].DueAt)
	assert.Nil(t, tasks[1].DueAt)
	assert.True(t, tasks[2].Done)
}

func TestUpdateTaskBuildsStatement(t *testing.T) {
	d, mock, _ := newTestDB(t)

	due := time.Date(2024, 3, 11, 9, 30, 45, 123, time.UTC)
	text := " Buy oat milk "

	mock.ExpectExec(q("UPDATE tasks SET text=$3, due_at=$4\nWHERE owner_id=$1 AND task_id=$2")).
		WithArgs(int64(7), 3, "Buy oat milk", time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, d.UpdateTask(context.Background(), 7, 3, TaskUpdate{Text: &text, Due: SetDue(due)}))
}

func TestUpdateTaskClearsDue(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectExec(q("UPDATE tasks SET due_at=NULL\nWHERE")).
		WithArgs(int64(7), 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, d.SetDue(context.Background(), 7, 3, nil))
}

func TestUpdateTaskNotFound(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectExec(q("UPDATE tasks SET is_done=TRUE")).
		WithArgs(int64(7), 9).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, d.MarkDone(context.Background(), 7, 9), ErrNotFound)
}

func TestUpdateTaskValidation(t *testing.T) {
	d, _, _ := newTestDB(t)

	empty := "   "
	assert.ErrorIs(t, d.UpdateTask(context.Background(), 7, 3, TaskUpdate{Text: &empty}), ErrEmptyText)

	notDone := false
	assert.ErrorIs(t, d.UpdateTask(context.Background(), 7, 3, TaskUpdate{Done: &notDone}), ErrReopen)
}

func TestUpdateTaskWithoutChangesChecksExistence(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectQuery("FROM tasks").
		WithArgs(int64(7), 3).
		WillReturnRows(pgxmock.NewRows(taskColumns))

	assert.ErrorIs(t, d.UpdateTask(context.Background(), 7, 3, TaskUpdate{Due: KeepDue()}), ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectExec(q("DELETE FROM tasks WHERE owner_id=$1 AND task_id=$2")).
		WithArgs(int64(7), 3).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM tasks").
		WithArgs(int64(7), 3).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, d.DeleteTask(context.Background(), 7, 3))
	assert.ErrorIs(t, d.DeleteTask(context.Background(), 7, 3), ErrNotFound)
}

func TestListDueTasks(t *testing.T) {
	d, mock, clk := newTestDB(t)

	due := time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)
	offset := -180

	mock.ExpectQuery(q("WHERE t.due_at IS NOT NULL AND t.due_at<=$1")).
		WithArgs(clk.Now().UTC()).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "task_id", "text", "due_at", "chat_id", "tz_offset_minutes"}).
			AddRow(int64(7), 3, "Buy milk", due, int64(700), &offset).
			AddRow(int64(8), 1, "Walk the dog", due, int64(8), nil))

	tasks, err := d.ListDueTasks(context.Background(), clk.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, int64(700), tasks[0].ChatID)
	require.NotNil(t, tasks[0].TZOffset)
	assert.Equal(t, -180, *tasks[0].TZOffset)
	assert.Nil(t, tasks[1].TZOffset)
	assert.True(t, due.Equal(tasks[1].DueAt))
}

func TestRetireDueIsConditional(t *testing.T) {
	d, mock, _ := newTestDB(t)

	due := time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)

	mock.ExpectExec(q("UPDATE tasks SET due_at=NULL\nWHERE owner_id=$1 AND task_id=$2 AND due_at=$3")).
		WithArgs(int64(7), 3, due).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE tasks SET due_at=NULL").
		WithArgs(int64(7), 3, due).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	cleared, err := d.RetireDue(context.Background(), 7, 3, due)
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = d.RetireDue(context.Background(), 7, 3, due)
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestPostponeDue(t *testing.T) {
	d, mock, _ := newTestDB(t)

	until := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("UPDATE tasks SET due_at=$2\nWHERE owner_id=$1 AND NOT is_done")).
		WithArgs(int64(7), until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := d.PostponeDue(context.Background(), 7, until)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTZOffset(t *testing.T) {
	d, mock, _ := newTestDB(t)

	offset := 480
	mock.ExpectQuery(q("SELECT tz_offset_minutes FROM users WHERE user_id=$1")).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"tz_offset_minutes"}).AddRow(&offset))
	mock.ExpectQuery("SELECT tz_offset_minutes").
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows([]string{"tz_offset_minutes"}).AddRow(nil))
	mock.ExpectQuery("SELECT tz_offset_minutes").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"tz_offset_minutes"}))
	mock.ExpectExec(q("SET tz_offset_minutes=EXCLUDED.tz_offset_minutes")).
		WithArgs(int64(7), -60, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := d.GetTZOffset(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 480, *got)

	got, err = d.GetTZOffset(context.Background(), 8)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = d.GetTZOffset(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, d.SetTZOffset(context.Background(), 7, -60))
}

func TestAccessTokens(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectQuery(q("SET access_token=COALESCE(users.access_token, EXCLUDED.access_token)")).
		WithArgs(int64(7), "fresh-token", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"access_token"}).AddRow("old-token"))
	mock.ExpectQuery(q("SET access_token=EXCLUDED.access_token")).
		WithArgs(int64(7), "fresh-token", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"access_token"}).AddRow("fresh-token"))
	mock.ExpectQuery(q("SELECT user_id FROM users WHERE access_token=$1")).
		WithArgs("fresh-token").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT user_id FROM users").
		WithArgs("old-token").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}))

	token, err := d.GetOrCreateAccessToken(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "old-token", token)

	token, err = d.RotateAccessToken(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)

	usr, err := d.ResolveOwnerByToken(context.Background(), "fresh-token")
	require.NoError(t, err)
	assert.Equal(t, int64(7), usr)

	_, err = d.ResolveOwnerByToken(context.Background(), "old-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = d.ResolveOwnerByToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenIsOpaque(t *testing.T) {
	a, b := newToken(), newToken()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}

func TestScreens(t *testing.T) {
	d, mock, _ := newTestDB(t)

	mock.ExpectQuery(q("SELECT message_id FROM screens WHERE chat_id=$1 AND user_id=$2")).
		WithArgs(int64(700), int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"message_id"}))
	mock.ExpectExec(q("INSERT INTO screens(chat_id, user_id, message_id)")).
		WithArgs(int64(700), int64(7), 55).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT message_id FROM screens").
		WithArgs(int64(700), int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"message_id"}).AddRow(55))
	mock.ExpectExec(q("DELETE FROM screens WHERE chat_id=$1 AND user_id=$2")).
		WithArgs(int64(700), int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()

	_, ok, err := d.GetScreen(ctx, 700, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.SetScreen(ctx, 700, 7, 55))

	id, ok, err := d.GetScreen(ctx, 700, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 55, id)

	require.NoError(t, d.ClearScreen(ctx, 700, 7))
}

func TestCreateUser(t *testing.T) {
	d, mock, clk := newTestDB(t)

	mock.ExpectExec(q("ON CONFLICT (user_id) DO UPDATE SET chat_id=EXCLUDED.chat_id")).
		WithArgs(int64(7), int64(700), clk.Now().UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, d.CreateUser(context.Background(), 7, 700))
}

func TestDueUpdateApply(t *testing.T) {
	cur := time.Date(2024, 3, 11, 6, 30, 0, 0, time.UTC)
	next := time.Date(2024, 3, 12, 7, 45, 31, 0, time.UTC)

	assert.Equal(t, &cur, KeepDue().Apply(&cur))
	assert.Nil(t, ClearDue().Apply(&cur))
	assert.Equal(t, time.Date(2024, 3, 12, 7, 45, 0, 0, time.UTC), *SetDue(next).Apply(nil))
	assert.Nil(t, DueFrom(nil).Apply(&cur))
}
