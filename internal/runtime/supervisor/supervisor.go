// Package supervisor runs named background goroutines tied to one context,
// with panic recovery and optional restart loops.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	logx "servicedeck/pkg/logx"
)

// Supervisor manages goroutines sharing a cancelable context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

// TaskStats is a best-effort view of one named goroutine, for /healthz.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Starts    uint64    `json:"starts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every goroutine when one returns an error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine reported.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Snapshot lists task stats sorted by name.
func (s *Supervisor) Snapshot() []TaskStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) note(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
	s.mu.Unlock()
}

// runOnce calls fn and converts a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	s.note(name, func(t *TaskStats) { t.Starts++; t.Running = true })
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.note(name, func(t *TaskStats) { t.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
		s.note(name, func(t *TaskStats) {
			t.Running = false
			if err != nil && !errors.Is(err, context.Canceled) {
				t.LastErr, t.LastErrAt = err.Error(), time.Now()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(errors.Annotate(err, name))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <= 0: unlimited
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs (the first run not counted).
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn until it returns nil or the context ends, restarting it
// with jittered exponential backoff after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(errors.Annotate(err, name))
				return
			}
			// a long healthy run resets the backoff
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
