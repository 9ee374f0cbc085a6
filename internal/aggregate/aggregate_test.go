package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/executor/executortest"
	"servicedeck/internal/service"
	"servicedeck/internal/service/builtin"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

type fakeAdapter struct {
	state   service.State
	delay   time.Duration
	panics  bool
	ctlErr  error
	active  *atomic.Int32
	maxSeen *atomic.Int32
	actions []service.Action
	mu      sync.Mutex
}

func (f *fakeAdapter) FetchState(ctx context.Context) service.State {
	if f.active != nil {
		n := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			m := f.maxSeen.Load()
			if n <= m || f.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("boom")
	}
	return f.state
}

func (f *fakeAdapter) act(a service.Action) error {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
	return f.ctlErr
}

func (f *fakeAdapter) Start(context.Context) error   { return f.act(service.ActionStart) }
func (f *fakeAdapter) Stop(context.Context) error    { return f.act(service.ActionStop) }
func (f *fakeAdapter) Restart(context.Context) error { return f.act(service.ActionRestart) }

func entry(key string, a service.Adapter) Entry {
	return Entry{Spec: service.Spec{Key: key, Adapter: "fake"}, Adapter: a}
}

func TestStatusForAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	cat, err := NewCatalog(
		entry("slow", &fakeAdapter{state: service.State{Status: service.StatusOK}, delay: 30 * time.Millisecond}),
		entry("broken", &fakeAdapter{panics: true}),
		entry("weird", &fakeAdapter{state: service.State{Status: "bogus"}}),
		entry("fast", &fakeAdapter{state: service.State{Status: service.StatusError}}),
	)
	require.NoError(t, err)

	agg := New(cat, WithLogger(logx.Nop()))
	out := agg.StatusForAll(context.Background())
	require.Len(t, out, 4)

	keys := make([]string, len(out))
	for i, s := range out {
		keys[i] = s.Key
		assert.Equal(t, OriginConfigured, s.Origin)
		assert.False(t, s.CheckedAt.IsZero())
	}
	assert.Equal(t, []string{"slow", "broken", "weird", "fast"}, keys)
	assert.Equal(t, service.StatusOK, out[0].Status)
	assert.Equal(t, service.StatusError, out[1].Status)
	assert.Contains(t, out[1].Details.GetString("error"), "boom")
	assert.Equal(t, service.StatusUnknown, out[2].Status)
	assert.Equal(t, service.StatusError, out[3].Status)
}

func TestStatusForAllBoundsParallelism(t *testing.T) {
	var active, maxSeen atomic.Int32
	var entries []Entry
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		entries = append(entries, entry(k, &fakeAdapter{
			state: service.State{Status: service.StatusOK}, delay: 20 * time.Millisecond,
			active: &active, maxSeen: &maxSeen,
		}))
	}
	cat, err := NewCatalog(entries...)
	require.NoError(t, err)

	agg := New(cat, WithMaxParallel(2))
	require.Len(t, agg.StatusForAll(context.Background()), 6)
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestStatusForKeyUnknown(t *testing.T) {
	agg := New(nil)
	st, err := agg.StatusForKey(context.Background(), "missing-key")
	require.Error(t, err)
	assert.True(t, service.IsNotFound(err))
	assert.Equal(t, Status{}, st)
}

func TestCommandServiceEndToEnd(t *testing.T) {
	runner := executortest.New().
		On("echo 'Active: active (running)'", executortest.Reply{Output: "Active: active (running)\n"})
	reg := builtin.NewRegistry(builtin.Deps{Runner: runner})

	cat, err := BuildCatalog(reg, []service.Spec{
		{Key: "readsb", Adapter: "command", Params: service.Params{"status": "echo 'Active: active (running)'"}},
		{Key: "idle", Adapter: "command"},
	})
	require.NoError(t, err)
	agg := New(cat)

	st, err := agg.StatusForKey(context.Background(), "readsb")
	require.NoError(t, err)
	assert.Equal(t, "Readsb", st.Name)
	assert.Equal(t, service.StatusOK, st.Status)
	v, ok := st.Details.Get("systemctl")
	require.True(t, ok)
	sub, _ := v.Details()
	assert.Contains(t, sub.GetString("active"), "active (running)")

	idle, err := agg.StatusForKey(context.Background(), "idle")
	require.NoError(t, err)
	assert.Equal(t, service.StatusUnknown, idle.Status)
	assert.Contains(t, idle.Details.GetString("message"), "no status command")

	again, _ := agg.StatusForKey(context.Background(), "readsb")
	assert.Equal(t, st.Status, again.Status)
}

func TestBuildCatalogRejectsBadSpecs(t *testing.T) {
	reg := builtin.NewRegistry(builtin.Deps{Runner: executortest.New()})

	_, err := BuildCatalog(reg, []service.Spec{{Key: "a", Adapter: "command"}, {Key: "a", Adapter: "command"}})
	assert.True(t, service.IsConfigError(err))

	_, err = BuildCatalog(reg, []service.Spec{{Key: " ", Adapter: "command"}})
	assert.True(t, service.IsConfigError(err))

	_, err = BuildCatalog(reg, []service.Spec{{Key: "x", Adapter: "docker"}})
	assert.True(t, service.IsConfigError(err))
}

type stubUnits struct{ names []string }

func (s *stubUnits) StatesForUnits(_ context.Context, names []string) []systemd.UnitState {
	s.names = names
	out := make([]systemd.UnitState, 0, len(names))
	for _, n := range names {
		out = append(out, systemd.UnitState{Unit: n, Status: service.StatusUnknown})
	}
	return out
}

func TestMergedStatusAppendsAdhocUnits(t *testing.T) {
	cat, _ := NewCatalog(entry("web", &fakeAdapter{state: service.State{Status: service.StatusOK}}))
	units := &stubUnits{}
	agg := New(cat, WithUnits(units))

	out := agg.MergedStatus(context.Background(), []string{"nonexistent.service", "cron.service"})
	require.Len(t, out, 3)
	assert.Equal(t, "web", out[0].Key)
	assert.Equal(t, OriginAdhoc, out[1].Origin)
	assert.Equal(t, "nonexistent.service", out[1].Key)
	assert.Equal(t, service.StatusUnknown, out[1].Status)
	assert.Equal(t, "cron.service", out[2].Unit)

	assert.Len(t, agg.MergedStatus(context.Background(), nil), 1)
}

func TestControlClassifiesErrors(t *testing.T) {
	ok := &fakeAdapter{}
	unsupported := &fakeAdapter{ctlErr: service.Unsupported(service.ActionStart, "ro")}
	failing := &fakeAdapter{ctlErr: &service.ExecError{Command: "false", ExitCode: 1}}
	cat, _ := NewCatalog(entry("ok", ok), entry("ro", unsupported), entry("bad", failing))

	var recs []ControlRecord
	agg := New(cat, WithControlHook(func(_ context.Context, r ControlRecord) { recs = append(recs, r) }))
	ctx := WithRequestID(context.Background(), "req-1")

	require.NoError(t, agg.Control(ctx, "ok", service.ActionRestart))
	assert.Equal(t, []service.Action{service.ActionRestart}, ok.actions)
	assert.True(t, service.IsNotFound(agg.Control(ctx, "nope", service.ActionStart)))
	assert.True(t, service.IsUnsupported(agg.Control(ctx, "ro", service.ActionStart)))
	assert.True(t, service.IsExecFailure(agg.Control(ctx, "bad", service.ActionStop)))

	require.Len(t, recs, 4)
	assert.Equal(t, "req-1", recs[0].RequestID)
	assert.Equal(t, []string{"ok", "not_found", "unsupported", "exec_failure"},
		[]string{recs[0].Result, recs[1].Result, recs[2].Result, recs[3].Result})
}

func TestJournalUnit(t *testing.T) {
	var md service.Details
	md.SetString("unit", "readsb.service")
	cat, _ := NewCatalog(
		Entry{Spec: service.Spec{Key: "meta", Metadata: md}, Adapter: &fakeAdapter{}},
		Entry{Spec: service.Spec{Key: "param", Params: service.Params{"unit": "dump1090"}}, Adapter: &fakeAdapter{}},
		Entry{Spec: service.Spec{Key: "none"}, Adapter: &fakeAdapter{}},
	)
	agg := New(cat)

	u, err := agg.JournalUnit("meta")
	require.NoError(t, err)
	assert.Equal(t, "readsb.service", u)
	u, _ = agg.JournalUnit("param")
	assert.Equal(t, "dump1090", u)

	_, err = agg.JournalUnit("none")
	assert.True(t, service.IsNotFound(err))
	_, err = agg.JournalUnit("ghost")
	assert.True(t, service.IsNotFound(err))
}

func TestSwapReplacesSnapshot(t *testing.T) {
	first, _ := NewCatalog(entry("a", &fakeAdapter{}))
	second, _ := NewCatalog(entry("b", &fakeAdapter{}), entry("c", &fakeAdapter{}))
	agg := New(first)

	old := agg.Swap(second)
	assert.Equal(t, []string{"a"}, old.Keys())
	services := agg.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "B", services[0].Name)
	_, err := agg.StatusForKey(context.Background(), "a")
	assert.True(t, service.IsNotFound(err))
}

func TestStatusJSONShape(t *testing.T) {
	cat, _ := NewCatalog(entry("web", &fakeAdapter{state: service.State{Status: service.StatusOK}}))
	out := New(cat).StatusForAll(context.Background())
	b, err := json.Marshal(out[0])
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "configured", m["origin"])
	assert.Equal(t, "ok", m["status"])
	assert.NotContains(t, m, "unit")
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, "error", resultOf(errors.New("x")))
}
