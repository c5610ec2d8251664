package taskkeeper

import (
	"context"
	"sync"

	"taskkeeper/bot"
	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/reminder"
	"taskkeeper/bots/TaskKeeper/screen"
	"taskkeeper/bots/TaskKeeper/tgbot"
	"taskkeeper/bots/TaskKeeper/timezone"
	"taskkeeper/bots/TaskKeeper/web"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const Name = "TaskKeeper"

type TaskKeeper struct {
	cfg       *bot.Config
	tbot      *tgbot.TBot
	scheduler *reminder.Scheduler
	web       *web.Server
}

func (tk *TaskKeeper) Init(cfg *bot.Config, l *zap.SugaredLogger) (*bot.Context, error) {
	ctx := context.Background()

	lc, err := timezone.NewLocator()
	if err != nil {
		l.Errorw("failed to initialize time zones", "err", err)
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg, l)
	if err != nil {
		l.Errorw("failed to initialize database", "err", err)
		return nil, err
	}

	clk := clock.New()
	d := db.NewDatabase(pool, clk)
	d.Timeout = cfg.DBTimeout.D()

	if err := d.Migrate(ctx); err != nil {
		pool.Close()
		l.Errorw("failed to migrate database", "err", err)
		return nil, err
	}

	b, err := tg.NewBotAPI(cfg.TgToken)
	if err != nil {
		pool.Close()
		l.Error("failed to initialize Telegram Bot")
		return nil, errors.Wrap(err, "failed authorizing bot")
	}

	b.Debug = false

	l.Infof("authorized on account %q", b.Self.UserName)

	scr := screen.NewManager(screen.NewTelegram(b, clk), d, l)

	tk.cfg = cfg
	tk.tbot = tgbot.NewTBot(b, d, scr, clk, lc, cfg.WebBaseURL, l)
	tk.scheduler = reminder.NewScheduler(d, scr, clk, l)
	tk.scheduler.Interval = cfg.PollInterval.D()
	tk.scheduler.Backoff = cfg.PollBackoff.D()
	tk.web = web.NewServer(d, clk, l)

	return &bot.Context{Bot: b, DB: pool, Logger: l}, nil
}

func (tk *TaskKeeper) Run(ctx context.Context, bctx *bot.Context) {
	if bctx.Bot == nil || tk.tbot == nil {
		bctx.Logger.Warn("Bot can't run")
		return
	}
	defer bctx.DB.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		tk.scheduler.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		if err := tk.web.Run(ctx, tk.cfg.WebAddr); err != nil {
			bctx.Logger.Errorw("web view stopped", "err", err)
		}
	}()

	uCfg := tg.NewUpdate(0)
	uCfg.Timeout = 60

	updates := bctx.Bot.GetUpdatesChan(uCfg)
	go func() {
		<-ctx.Done()
		bctx.Bot.StopReceivingUpdates()
	}()

	for u := range updates {
		if usr := u.SentFrom(); usr != nil {
			bctx.CloneWith(usr.ID).Logger.Debugw("got update", "id", u.UpdateID)
		}
		go tk.tbot.HandleUpdate(ctx, u)
	}

	wg.Wait()
}

func init() {
	bot.Register(Name, &TaskKeeper{}, bot.CfgTgToken, bot.CfgDbConnStr)
}
