package db

import (
	"context"
	"strings"
	"time"

	"taskkeeper/bot"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

var (
	ErrNotFound     = errors.New("task not found")
	ErrEmptyText    = errors.New("task text is empty")
	ErrInvalidToken = errors.New("invalid access token")
	ErrReopen       = errors.New("done tasks can't be reopened")
)

// Pool is the part of pgxpool.Pool the store relies on.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Database struct {
	pool     Pool
	clk      clock.Clock
	Timeout  time.Duration
	NewToken func() string
}

func NewDatabase(p Pool, clk clock.Clock) *Database {
	return &Database{
		pool:     p,
		clk:      clk,
		Timeout:  defaultTimeout,
		NewToken: newToken,
	}
}

// Connect opens a connection pool and waits until the database answers.
// connection string should look like postgresql://localhost:5432/tasks?user=admn&password=passwd
func Connect(ctx context.Context, cfg *bot.Config, l *zap.SugaredLogger) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, cfg.DBConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed parsing connection string")
	}

	var pingErr error
	ok := bot.RobustExecute(ctx, clock.New(), cfg.DBRetryAttempts, cfg.DBRetryDelay.D(), func() bool {
		pctx, cancel := context.WithTimeout(ctx, cfg.DBTimeout.D())
		defer cancel()

		pingErr = p.Ping(pctx)
		if pingErr != nil {
			l.Warnw("database isn't ready", "err", pingErr)
		}
		return pingErr == nil
	})
	if !ok {
		p.Close()
		if pingErr == nil {
			pingErr = ctx.Err()
		}
		return nil, errors.Wrap(pingErr, "failed connecting to database")
	}

	return p, nil
}

func (d *Database) Close() {
	d.pool.Close()
}

func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Timeout)
}

func (d *Database) now() time.Time {
	return d.clk.Now().UTC()
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	user_id BIGINT PRIMARY KEY,
	chat_id BIGINT NOT NULL,
	last_task_id INTEGER NOT NULL DEFAULT 0,
	tz_offset_minutes INTEGER,
	access_token TEXT UNIQUE,
	created_on TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	owner_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
	task_id INTEGER NOT NULL,
	text TEXT NOT NULL CHECK (text <> ''),
	is_done BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	due_at TIMESTAMPTZ,
	PRIMARY KEY (owner_id, task_id)
)`,
	`CREATE INDEX IF NOT EXISTS tasks_due_at_idx ON tasks (due_at) WHERE due_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS screens (
	chat_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	message_id INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id)
)`,
}

// Migrate creates missing tables.
func (d *Database) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed migrating schema")
		}
	}
	return nil
}
