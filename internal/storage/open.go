package storage

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	logx "servicedeck/pkg/logx"
)

// Store is the persistence API used by the API, CLI, watcher and notifier.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	PutState(ctx context.Context, rec StateRecord) error
	States(ctx context.Context) (map[string]StateRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

const defaultAuditLimit = 50

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
	log = log.Component("storage")

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.NotSupportedf("storage driver %q", driver)
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultAuditLimit
	}
	if n > 1000 {
		return 1000
	}
	return n
}
