package storage

import (
	"context"
	"errors"
	"strings"

	logx "broadcastd/pkg/logx"
)

const defaultSQLitePath = "./data/broadcastd.db"

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "none":
		return nil, ErrDisabled
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = defaultSQLitePath
		}
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
