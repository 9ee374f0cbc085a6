package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	_ "modernc.org/sqlite"

	logx "servicedeck/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT    NOT NULL,
	request_id TEXT,
	source     TEXT    NOT NULL,
	service    TEXT    NOT NULL,
	action     TEXT    NOT NULL,
	result     TEXT    NOT NULL,
	err        TEXT,
	took_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS audit_service ON audit(service);

CREATE TABLE IF NOT EXISTS last_state (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	since      TEXT NOT NULL,
	checked_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dedup (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.NotValidf("storage.path for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Annotate(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "sqlite migrate")
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, request_id, source, service, action, result, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.RequestID), e.Source, e.Service,
		e.Action, e.Result, nullStr(e.Error), e.TookMS,
	)
	return errors.Trace(err)
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, request_id, source, service, action, result, err, took_ms
		 FROM audit ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			at       string
			reqID, m sql.NullString
		)
		if err := rows.Scan(&at, &reqID, &e.Source, &e.Service, &e.Action, &e.Result, &m, &e.TookMS); err != nil {
			return nil, errors.Trace(err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.RequestID, e.Error = reqID.String, m.String
		out = append(out, e)
	}
	return out, errors.Trace(rows.Err())
}

func (s *sqliteStore) PutState(ctx context.Context, rec StateRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.Key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_state(key, status, since, checked_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET status=excluded.status, since=excluded.since, checked_at=excluded.checked_at`,
		rec.Key, rec.Status, rec.Since.UTC().Format(time.RFC3339Nano), rec.CheckedAt.UTC().Format(time.RFC3339Nano),
	)
	return errors.Trace(err)
}

func (s *sqliteStore) States(ctx context.Context) (map[string]StateRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, status, since, checked_at FROM last_state`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	out := map[string]StateRecord{}
	for rows.Next() {
		var (
			rec            StateRecord
			since, checked string
		)
		if err := rows.Scan(&rec.Key, &rec.Status, &since, &checked); err != nil {
			return nil, errors.Trace(err)
		}
		rec.Since, _ = time.Parse(time.RFC3339Nano, since)
		rec.CheckedAt, _ = time.Parse(time.RFC3339Nano, checked)
		out[rec.Key] = rec
	}
	return out, errors.Trace(rows.Err())
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return errors.Trace(err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Trace(err)
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
