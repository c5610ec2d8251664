package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"taskkeeper/bot"

	_ "taskkeeper/bots/TaskKeeper"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const stopOnFailure = false

// getLogger creates a logger in the given namespace
func getLogger(ns, level string) (*zap.SugaredLogger, func() error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.InitialFields = map[string]any{"ns": ns}

	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}

	return logger.Sugar(), logger.Sync
}

// readConfig reads configuration from the given file. Environment variables
// in the file are expanded, so secrets can be kept out of it.
func readConfig(cfgFile string) (map[string]json.RawMessage, error) {
	cfg, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, err
	}

	var farmConfig map[string]json.RawMessage
	err = json.Unmarshal([]byte(os.ExpandEnv(string(cfg))), &farmConfig)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't unmarshal configuration")
	}

	return farmConfig, nil
}

// Entry point
func main() {
	logger, syncLogs := getLogger("Global", "debug")
	defer syncLogs()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		logger.Warnw("couldn't load .env", "err", err)
	}

	cfgFile, ok := os.LookupEnv("CONFIG_FILE")
	if !ok {
		logger.Fatalf("Configuration file name isn't set")
	}

	botConfigs, err := readConfig(cfgFile)
	if err != nil || botConfigs == nil {
		logger.Fatalw("couldn't read configuration", "file", cfgFile, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, rec := range bot.GetThemAll() {
		b := *rec.Bot

		raw, ok := botConfigs[rec.Name]
		if !ok {
			logger.Errorf("Couldn't find configuration for bot %q", rec.Name)
			if stopOnFailure {
				return
			}
			continue
		}

		cfg, err := bot.ParseConfig(rec.Name, raw, rec.RequiredConfigFields)
		if err != nil {
			logger.Error(err)
			if stopOnFailure {
				return
			}
			continue
		}

		s, syncBotLogs := getLogger(rec.Name, cfg.LogLevel)
		defer syncBotLogs()

		bctx, err := b.Init(cfg, s)
		if err != nil {
			s.Errorw("failed initializing bot", "err", err)
			if stopOnFailure {
				return
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(ctx, bctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}
