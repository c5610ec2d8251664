package bot

import (
	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Bot context keeps references to common (Telegram Bot API, database, logger)
// parameters of a bot.
type Context struct {
	Bot    *tg.BotAPI
	DB     *pgxpool.Pool
	Logger *zap.SugaredLogger
	User   int64
}

// CloneWith returns a shallow copy of the context bound to the user. The
// logger of the copy adds the user ID to every entry.
func (c *Context) CloneWith(usr int64) *Context {
	clone := *c
	clone.User = usr
	if c.Logger != nil {
		clone.Logger = c.Logger.With("usr", usr)
	}
	return &clone
}
