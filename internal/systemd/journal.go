package systemd

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"servicedeck/internal/executor"
)

const (
	DefaultJournalLines = 200
	MaxJournalLines     = 1000
)

// JournalQuery selects the tail of a unit's journal.
type JournalQuery struct {
	Lines int    // <= 0 uses the default
	Since string // passed through to journalctl --since
}

type JournalEntry struct {
	Timestamp  string `json:"timestamp"`
	Message    string `json:"message"`
	Priority   string `json:"priority"`
	Identifier string `json:"identifier"`
}

var priorityLabels = [...]string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

// ClampLines applies the default for non-positive values and caps at max.
func ClampLines(n, def, max int) int {
	if def <= 0 {
		def = DefaultJournalLines
	}
	if max <= 0 {
		max = MaxJournalLines
	}
	if n <= 0 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

// Journal returns the newest entries for unit, oldest first.
func (d *Discovery) Journal(ctx context.Context, unit string, q JournalQuery) ([]JournalEntry, error) {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return nil, errors.NotValidf("empty unit name")
	}
	if !validUnitArg(unit) {
		return nil, errors.NotValidf("unit name %q", unit)
	}
	lines := ClampLines(q.Lines, d.journalDefault, d.journalMax)
	argv := []string{"journalctl", "--unit=" + unit, "--no-pager", "--output=json", "-n", strconv.Itoa(lines)}
	if since := strings.TrimSpace(q.Since); since != "" {
		argv = append(argv, "--since", since)
	}

	res, err := d.runner.Run(ctx, executor.Args(argv...))
	if err != nil {
		return nil, errors.Annotatef(err, "journal for %s", unit)
	}
	if res.ExitCode != 0 {
		return nil, errors.Annotatef(execFailure(argv, res), "journal for %s", unit)
	}
	return ParseJournal(res.Output, unit), nil
}

// ParseJournal decodes `journalctl --output=json` lines. Lines that are not
// JSON objects are skipped.
func ParseJournal(output, unit string) []JournalEntry {
	out := []JournalEntry{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var rec map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		ts := fieldString(rec, "__REALTIME_TIMESTAMP")
		if ts == "" {
			ts = fieldString(rec, "_SOURCE_REALTIME_TIMESTAMP")
		}
		ident := firstNonEmpty(fieldString(rec, "SYSLOG_IDENTIFIER"), fieldString(rec, "_SYSTEMD_UNIT"), fieldString(rec, "_COMM"), unit)
		out = append(out, JournalEntry{
			Timestamp:  formatMicros(ts),
			Message:    strings.TrimSpace(fieldString(rec, "MESSAGE")),
			Priority:   priorityLabel(fieldString(rec, "PRIORITY")),
			Identifier: ident,
		})
	}
	return out
}

// fieldString reads a journal field. journald encodes non-UTF-8 payloads as
// byte arrays, which are converted back to text here.
func fieldString(rec map[string]json.RawMessage, key string) string {
	raw, ok := rec[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var bs []int
	if err := json.Unmarshal(raw, &bs); err == nil {
		b := make([]byte, 0, len(bs))
		for _, c := range bs {
			b = append(b, byte(c))
		}
		return string(b)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func formatMicros(v string) string {
	if v == "" {
		return ""
	}
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return v
	}
	return time.UnixMicro(us).UTC().Format(time.RFC3339Nano)
}

func priorityLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return v
	}
	if n >= 0 && n < len(priorityLabels) {
		return priorityLabels[n]
	}
	return strconv.Itoa(n)
}
