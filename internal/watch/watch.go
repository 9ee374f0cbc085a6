// Package watch runs merged status checks on a cron schedule and publishes
// transitions between consecutive observations.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/eventbus"
	"servicedeck/internal/storage"
	logx "servicedeck/pkg/logx"
)

const checkTimeout = 2 * time.Minute

// Source produces the merged view.
type Source interface {
	MergedStatus(ctx context.Context, units []string) []aggregate.Status
}

// StateStore keeps the last observation across restarts. storage.Store
// satisfies it.
type StateStore interface {
	States(ctx context.Context) (map[string]storage.StateRecord, error)
	PutState(ctx context.Context, rec storage.StateRecord) error
}

type Observer interface {
	ObserveTransition(to string)
}

type Config struct {
	Schedule cron.Schedule
	Location *time.Location
	Units    []string
}

type Option func(*Watcher)

func WithBus(b eventbus.Bus) Option         { return func(w *Watcher) { w.bus = b } }
func WithStore(s StateStore) Option         { return func(w *Watcher) { w.store = s } }
func WithObserver(o Observer) Option        { return func(w *Watcher) { w.obs = o } }
func WithLogger(l logx.Logger) Option       { return func(w *Watcher) { w.log = l } }
func WithClock(now func() time.Time) Option { return func(w *Watcher) { w.now = now } }

// Watcher is safe for concurrent use. Checks never overlap.
type Watcher struct {
	src   Source
	bus   eventbus.Bus
	store StateStore
	obs   Observer
	log   logx.Logger
	now   func() time.Time

	checkMu sync.Mutex
	last    map[string]storage.StateRecord
	loaded  bool

	mu     sync.Mutex
	units  []string
	c      *cron.Cron
	cancel context.CancelFunc
}

func New(src Source, opts ...Option) *Watcher {
	w := &Watcher{src: src, now: time.Now, last: map[string]storage.StateRecord{}}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.Component("watch")
	return w
}

// Start schedules checks. Calling it while running replaces the schedule.
func (w *Watcher) Start(ctx context.Context, cfg Config) error {
	if cfg.Schedule == nil {
		return errors.NotValidf("nil watch schedule")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	w.Stop(context.Background())

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(cfg.Schedule, cron.FuncJob(func() {
		cctx, done := context.WithTimeout(runCtx, checkTimeout)
		defer done()
		if _, err := w.Check(cctx); err != nil && runCtx.Err() == nil {
			w.log.Warn("status check failed", logx.Err(err))
		}
	}))

	w.mu.Lock()
	w.units = append([]string(nil), cfg.Units...)
	w.c, w.cancel = c, cancel
	w.mu.Unlock()

	c.Start()
	w.log.Info("watcher started", logx.String("tz", loc.String()), logx.Strings("units", cfg.Units))
	return nil
}

// Stop halts the schedule and waits for a running check until ctx ends.
func (w *Watcher) Stop(ctx context.Context) {
	w.mu.Lock()
	c, cancel := w.c, w.cancel
	w.c, w.cancel = nil, nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	w.log.Info("watcher stopped")
}

// Check runs one merged status query and returns the transitions it saw.
// The first observation of an entry with no stored history is recorded
// without an event.
func (w *Watcher) Check(ctx context.Context) ([]eventbus.StatusChanged, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	if !w.loaded && w.store != nil {
		states, err := w.store.States(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "load last states")
		}
		for k, v := range states {
			w.last[k] = v
		}
	}
	w.loaded = true

	w.mu.Lock()
	units := w.units
	w.mu.Unlock()

	var changes []eventbus.StatusChanged
	for _, st := range w.src.MergedStatus(ctx, units) {
		if ctx.Err() != nil {
			return changes, ctx.Err()
		}
		key := StateKey(st)
		now := w.now()
		to := string(st.Status)
		prev, seen := w.last[key]

		rec := storage.StateRecord{Key: key, Status: to, Since: now, CheckedAt: now}
		if seen && prev.Status == to {
			rec.Since = prev.Since
		}
		w.last[key] = rec
		if w.store != nil {
			if err := w.store.PutState(ctx, rec); err != nil {
				w.log.Warn("state not persisted", logx.String("key", key), logx.Err(err))
			}
		}
		if !seen || prev.Status == to {
			continue
		}

		ch := eventbus.StatusChanged{
			Key: st.Key, Name: st.Name, Origin: string(st.Origin),
			From: prev.Status, To: to, Message: messageOf(st), At: now,
		}
		changes = append(changes, ch)
		eventbus.Publish(w.bus, eventbus.TypeStatusChanged, ch)
		if w.obs != nil {
			w.obs.ObserveTransition(to)
		}
		w.log.Info("status changed", logx.String("key", key), logx.String("from", prev.Status), logx.String("to", to))
	}
	return changes, nil
}

// StateKey namespaces ad-hoc units so they never collide with configured keys.
func StateKey(st aggregate.Status) string {
	if st.Origin == aggregate.OriginAdhoc {
		return "unit:" + st.Key
	}
	return st.Key
}

func messageOf(st aggregate.Status) string {
	for _, k := range []string{"error", "message"} {
		if s := st.Details.GetString(k); s != "" {
			return s
		}
	}
	return ""
}
