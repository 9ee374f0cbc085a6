package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"servicedeck/internal/transport"
)

// ---- Config ----

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

const defaultLogPath = "./servicedeck.log"

// Field mutates a zerolog event.
//
// Fields are applied in order; when a key repeats the later field wins.
// The console writer renders them as key=value pairs, JSON sinks keep them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a lightweight structured logger.
//
// - If created from Service, it stays "live" across Service.Apply() calls.
// - With() returns a derived logger with additional fixed fields.
// - Zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone human-readable logger on w, for one-shot
// CLI commands.
func NewConsole(w io.Writer, level string) Logger {
	return NewWriter(newConsoleWriter(w), level)
}

// NewWriter creates a standalone logger writing JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	zl := zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Component is shorthand for With(String("comp", name)).
func (l Logger) Component(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}

	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender   atomic.Value // senderBox
	tgQueue  chan telegramItem
	tgOnce   sync.Once
	tgCancel context.CancelFunc
	tgWG     sync.WaitGroup

	// guarded by mu
	target   transport.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type senderBox struct{ s transport.Sender }

type telegramItem struct {
	to     transport.ChatTarget
	msg    string
	silent bool
}

// New creates the logging service, applies cfg immediately and returns
// both the Service and a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:     cfg,
		tgQueue: make(chan telegramItem, 256),
	}
	s.sender.Store(senderBox{})
	s.root.Store(zerolog.New(newConsoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the transport used by the Telegram sink.
// The sender usually exists only after logging is configured, hence the late binding.
func (s *Service) SetSender(sender transport.Sender) {
	s.sender.Store(senderBox{s: sender})
}

func (s *Service) currentSender() transport.Sender {
	b, _ := s.sender.Load().(senderBox)
	return b.s
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.tgCancel
	s.tgCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.tgWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs and levels at runtime.
// It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.target = transport.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.tgOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.tgCancel = cancel
			s.tgWG.Add(1)
			go func() {
				defer s.tgWG.Done()
				s.telegramWorker(ctx)
			}()
		})
		writers = append(writers, &telegramWriter{svc: s})
		if s.target.IsZero() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.chat_id is not set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) telegramWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.tgQueue:
			sender := s.currentSender()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, _ = sender.SendText(sctx, it.to, it.msg, &transport.SendOptions{
				ParseMode:      "HTML",
				DisablePreview: true,
				Silent:         it.silent,
			})
			cancel()
		}
	}
}

// ---- Telegram writer (zerolog sink) ----

type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	to := s.target
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if to.IsZero() || lim == nil || s.currentSender() == nil {
		return len(p), nil
	}
	if level < minLevel || !lim.Allow() {
		return len(p), nil
	}

	msg := formatTelegramHTML(p)
	if msg == "" {
		return len(p), nil
	}
	// never block the caller
	select {
	case s.tgQueue <- telegramItem{to: to, msg: msg, silent: level < zerolog.ErrorLevel}:
	default:
	}
	return len(p), nil
}

// leadKeys are rendered first, in this order, when present.
var leadKeys = []string{"comp", "key", "unit", "service", "action"}

// formatTelegramHTML renders a zerolog JSON line as a short HTML report.
// Fields that look like secrets are dropped; the rest follow the lead keys
// in sorted order so repeated events read the same.
func formatTelegramHTML(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return html.EscapeString(truncate(raw, 3500))
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	b.WriteString(levelMark(lvl))
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(msg))
	b.WriteString("</b>")

	rest := make([]string, 0, len(m))
	for k := range m {
		switch {
		case k == "time" || k == "level" || k == "message" || k == zerolog.CallerFieldName:
			continue
		case slices.Contains(leadKeys, k) || isSecretKey(k):
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range append(slices.Clone(leadKeys), rest...) {
		v, ok := m[k]
		if !ok {
			continue
		}
		b.WriteString("\n<code>")
		b.WriteString(html.EscapeString(k + "=" + truncate(fmt.Sprint(v), 600)))
		b.WriteString("</code>")
	}
	return truncate(b.String(), 3500)
}

func levelMark(lvl string) string {
	switch lvl {
	case "error", "fatal", "panic":
		return "🔴"
	case "warn":
		return "🟡"
	default:
		return "⚪"
	}
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "password") || k == "authorization"
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) Level { return parseLevel(s, zerolog.InfoLevel) }

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

