package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit log plus JSON snapshots, no external deps
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one lifecycle action. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
	Source    string    `json:"source"` // api, cli
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// StateRecord is the last status seen for one key.
type StateRecord struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Since     time.Time `json:"since"` // when Status was first observed
	CheckedAt time.Time `json:"checked_at"`
}
