package aggregate

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"servicedeck/internal/service"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

const DefaultMaxParallel = 8

// Origin tells where a status entry came from.
type Origin string

const (
	OriginConfigured Origin = "configured"
	OriginAdhoc      Origin = "systemd-adhoc"
)

// Status is one row of the unified view.
type Status struct {
	Origin    Origin          `json:"origin"`
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Adapter   string          `json:"adapter"`
	Unit      string          `json:"unit,omitempty"`
	Metadata  service.Details `json:"metadata"`
	Status    service.Status  `json:"status"`
	Details   service.Details `json:"details"`
	CheckedAt time.Time       `json:"checked_at"`
}

// ServiceInfo is the static description of a configured service.
type ServiceInfo struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	Adapter  string          `json:"adapter"`
	Metadata service.Details `json:"metadata"`
}

// UnitQuerier resolves ad-hoc unit names to states.
type UnitQuerier interface {
	StatesForUnits(ctx context.Context, names []string) []systemd.UnitState
}

// Observer receives per-fetch and per-action measurements.
type Observer interface {
	ObserveFetch(adapter, key, status string, d time.Duration)
	ObserveAction(action, result string)
}

// ControlRecord describes one finished lifecycle action.
type ControlRecord struct {
	RequestID string
	Key       string
	Action    service.Action
	Result    string // ok, not_found, unsupported, exec_failure, error
	Error     string
	Started   time.Time
	Duration  time.Duration
}

// ControlHook is called after every Control attempt, successful or not.
type ControlHook func(ctx context.Context, rec ControlRecord)

type Option func(*Aggregator)

func WithUnits(q UnitQuerier) Option  { return func(a *Aggregator) { a.units = q } }
func WithObserver(o Observer) Option  { return func(a *Aggregator) { a.obs = o } }
func WithLogger(l logx.Logger) Option { return func(a *Aggregator) { a.log = l } }
func WithControlHook(h ControlHook) Option {
	return func(a *Aggregator) {
		if h != nil {
			a.hooks = append(a.hooks, h)
		}
	}
}
func WithMaxParallel(n int) Option {
	return func(a *Aggregator) { a.SetMaxParallel(n) }
}

// Aggregator answers status queries against the current catalog snapshot.
type Aggregator struct {
	cat         atomic.Pointer[Catalog]
	maxParallel atomic.Int64
	units       UnitQuerier
	obs         Observer
	hooks       []ControlHook
	log         logx.Logger
	now         func() time.Time
}

func New(cat *Catalog, opts ...Option) *Aggregator {
	a := &Aggregator{log: logx.Nop(), now: time.Now}
	a.maxParallel.Store(DefaultMaxParallel)
	if cat == nil {
		cat = &Catalog{index: map[string]int{}}
	}
	a.cat.Store(cat)
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	return a
}

// Swap installs a new catalog. Queries already running keep the old one.
func (a *Aggregator) Swap(cat *Catalog) *Catalog {
	if cat == nil {
		cat = &Catalog{index: map[string]int{}}
	}
	return a.cat.Swap(cat)
}

func (a *Aggregator) Catalog() *Catalog { return a.cat.Load() }

func (a *Aggregator) SetMaxParallel(n int) {
	if n <= 0 {
		n = DefaultMaxParallel
	}
	a.maxParallel.Store(int64(n))
}

// Services lists configured services in configuration order.
func (a *Aggregator) Services() []ServiceInfo {
	entries := a.cat.Load().Entries()
	out := make([]ServiceInfo, len(entries))
	for i, e := range entries {
		out[i] = ServiceInfo{
			Key:      e.Spec.Key,
			Name:     e.Spec.DisplayName(),
			Adapter:  e.Spec.Adapter,
			Metadata: e.Spec.Metadata.Clone(),
		}
	}
	return out
}

// StatusForAll fetches every configured service with bounded parallelism.
// The result has one entry per catalog entry, in catalog order.
func (a *Aggregator) StatusForAll(ctx context.Context) []Status {
	entries := a.cat.Load().Entries()
	out := make([]Status, len(entries))

	g := new(errgroup.Group)
	g.SetLimit(int(a.maxParallel.Load()))
	for i, e := range entries {
		g.Go(func() error {
			out[i] = a.fetch(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// StatusForKey fetches one configured service.
func (a *Aggregator) StatusForKey(ctx context.Context, key string) (Status, error) {
	e, ok := a.cat.Load().Lookup(strings.TrimSpace(key))
	if !ok {
		return Status{}, service.NotFound(key)
	}
	return a.fetch(ctx, e), nil
}

// MergedStatus is StatusForAll followed by the ad-hoc units, in caller order.
func (a *Aggregator) MergedStatus(ctx context.Context, units []string) []Status {
	out := a.StatusForAll(ctx)
	if len(units) == 0 || a.units == nil {
		return out
	}
	states := a.units.StatesForUnits(ctx, units)
	checked := a.now().UTC()
	for _, st := range states {
		out = append(out, Status{
			Origin:    OriginAdhoc,
			Key:       st.Unit,
			Name:      st.Unit,
			Adapter:   "systemd",
			Unit:      st.Unit,
			Status:    st.Status,
			Details:   st.Details,
			CheckedAt: checked,
		})
	}
	return out
}

// Control runs a lifecycle action for key. Errors keep their class:
// service.IsNotFound, service.IsUnsupported or service.IsExecFailure.
func (a *Aggregator) Control(ctx context.Context, key string, action service.Action) (err error) {
	rec := ControlRecord{
		RequestID: RequestID(ctx),
		Key:       key,
		Action:    action,
		Started:   a.now(),
	}
	defer func() {
		rec.Duration = a.now().Sub(rec.Started)
		rec.Result = resultOf(err)
		if err != nil {
			rec.Error = err.Error()
		}
		if a.obs != nil {
			a.obs.ObserveAction(string(action), rec.Result)
		}
		for _, h := range a.hooks {
			h(ctx, rec)
		}
	}()

	if _, ok := service.ParseAction(string(action)); !ok {
		return errors.NotValidf("action %q", action)
	}
	e, ok := a.cat.Load().Lookup(strings.TrimSpace(key))
	if !ok {
		return service.NotFound(key)
	}

	log := a.log.With(logx.String("service", e.Spec.Key), logx.String("action", string(action)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("adapter panicked during control", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = errors.Errorf("adapter panic: %v", r)
		}
	}()
	if err = service.Do(ctx, e.Adapter, action); err != nil {
		log.Warn("control action failed", logx.Err(err))
		return err
	}
	log.Info("control action done")
	return nil
}

// JournalUnit returns the unit associated with a configured service.
func (a *Aggregator) JournalUnit(key string) (string, error) {
	e, ok := a.cat.Load().Lookup(strings.TrimSpace(key))
	if !ok {
		return "", service.NotFound(key)
	}
	u := unitOf(e.Spec)
	if u == "" {
		return "", errors.NotFoundf("systemd unit for service %q", key)
	}
	return u, nil
}

func (a *Aggregator) fetch(ctx context.Context, e Entry) (st Status) {
	st = Status{
		Origin:   OriginConfigured,
		Key:      e.Spec.Key,
		Name:     e.Spec.DisplayName(),
		Adapter:  e.Spec.Adapter,
		Unit:     unitOf(e.Spec),
		Metadata: e.Spec.Metadata.Clone(),
	}
	start := a.now()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("adapter panicked", logx.String("service", e.Spec.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			var d service.Details
			d.SetString("error", fmt.Sprintf("panic: %v", r))
			st.Status, st.Details = service.StatusError, d
		}
		st.CheckedAt = a.now().UTC()
		if a.obs != nil {
			a.obs.ObserveFetch(e.Spec.Adapter, e.Spec.Key, string(st.Status), a.now().Sub(start))
		}
	}()

	state := e.Adapter.FetchState(ctx).Normalize()
	st.Status, st.Details = state.Status, state.Details
	return st
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case service.IsNotFound(err):
		return "not_found"
	case service.IsUnsupported(err):
		return "unsupported"
	case service.IsExecFailure(err):
		return "exec_failure"
	default:
		return "error"
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so control records can be correlated with the
// request that caused them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
