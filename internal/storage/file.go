package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	logx "servicedeck/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.states.json          (snapshot, rewritten on every change)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// The dedup journal is compacted into its snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	statesPath string
	states     map[string]StateRecord

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const compactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.NotValidf("storage.path for file driver")
	}

	// A directory path (existing, or ending in a separator) holds
	// servicedeck.* files; anything else is used as the file prefix.
	dir, base := filepath.Dir(path), strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if fi, err := os.Stat(path); (err == nil && fi.IsDir()) || strings.HasSuffix(path, string(os.PathSeparator)) {
		dir, base = path, "servicedeck"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotate(err, "create storage dir")
	}
	prefix := filepath.Join(dir, base)

	s := &fileStore{
		log:               log,
		auditPath:         prefix + ".audit.jsonl",
		statesPath:        prefix + ".states.json",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		states:            map[string]StateRecord{},
		dedup:             map[string]int64{},
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.auditFile = af

	if err := readJSONFile(s.statesPath, &s.states); err != nil && !os.IsNotExist(err) {
		log.Warn("state snapshot unreadable; starting empty", logx.Err(err))
		s.states = map[string]StateRecord{}
	}

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = readJSONFile(s.dedupSnapshotPath, &s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, errors.Trace(err)
	}
	s.dedupJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// RecentAudit scans the whole log and keeps a ring of the last limit
// entries. Audit logs here are small: one line per operator action.
func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	defer f.Close()

	ring := make([]AuditEntry, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}

func (s *fileStore) PutState(_ context.Context, rec StateRecord) error {
	rec.Key = strings.TrimSpace(rec.Key)
	if rec.Key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[rec.Key] = rec
	return writeJSONFileAtomic(s.statesPath, s.states)
}

func (s *fileStore) States(context.Context) (map[string]StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StateRecord, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	if err := writeJSONFileAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func readJSONFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
