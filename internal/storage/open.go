package storage

import (
	"context"
	"errors"
	"strings"

	logx "baton/pkg/logx"
)

// Store is the minimal persistence API used by the drill service.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the most recent runs, newest first. An empty drill
	// name matches every drill; limit <= 0 applies a default cap.
	ListRuns(ctx context.Context, drill string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
