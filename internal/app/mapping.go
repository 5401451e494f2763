package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/notifier"
	"broadcastd/internal/storage"
	telegram "broadcastd/internal/transport/telegram/adapter"
	logx "broadcastd/pkg/logx"
)

// LoadConfig loads an optional .env, then parses and validates the config file.
func LoadConfig(path string) (*config.ConfigManager, *config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	cfgm.Commit(cfg)
	return cfgm, cfg, nil
}

// OpenStore opens the configured store and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage (%s): %w", sc.Driver, err)
	}
	return st, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./data/broadcastd.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ns, err := cfg.ResolveNotifier()
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     ns.Enabled,
		QueueSize:   ns.QueueSize,
		RatePerSec:  ns.RatePerSec,
		RetryMax:    ns.RetryMax,
		RetryBase:   ns.RetryBase,
		HistorySize: ns.HistorySize,
	}, nil
}

// mapBroadcastSettings returns whether the periodic passes run and their settings.
func mapBroadcastSettings(cfg *config.Config) (bool, broadcast.Settings, error) {
	bs, err := cfg.ResolveBroadcast()
	if err != nil {
		return false, broadcast.Settings{}, err
	}
	return bs.Enabled, broadcast.Settings{
		TickBase:          bs.TickBase,
		BatchSize:         bs.BatchSize,
		LookaheadAbsolute: bs.LookaheadAbsolute,
		LookaheadRelative: bs.LookaheadRelative,
		Retry: broadcast.Policy{
			Attempts:   bs.RetryAttempts,
			Initial:    bs.RetryInitial,
			Multiplier: bs.RetryMultiplier,
		},
		ChangeWindow: bs.ChangeWindow,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hs, err := cfg.ResolveHTTP()
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hs.Enabled,
		Addr:          hs.Addr,
		Token:         hs.Token,
		AllowInsecure: hs.AllowInsecure,
		Pprof:         hs.Pprof,
		ReadTimeout:   hs.ReadTimeout,
		WriteTimeout:  hs.WriteTimeout,
		IdleTimeout:   hs.IdleTimeout,
	}, nil
}
