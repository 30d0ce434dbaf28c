package storage

import (
	"errors"
	"strings"

	logx "taskpulse/pkg/logx"
)

// Open initializes the configured store. Storage is mandatory: the request
// log and policies live here.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
