package storage

import (
	"errors"
	"strings"

	logx "autoflow/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))
	if cfg.RunHistory <= 0 {
		cfg.RunHistory = 50
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return newMemory(cfg.RunHistory), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
