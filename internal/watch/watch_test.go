package watch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/eventbus"
	"servicedeck/internal/service"
	"servicedeck/internal/storage"
	logx "servicedeck/pkg/logx"
)

type scripted struct {
	mu     sync.Mutex
	rounds [][]aggregate.Status
	calls  int
	units  []string
}

func (s *scripted) MergedStatus(_ context.Context, units []string) []aggregate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = units
	i := min(s.calls, len(s.rounds)-1)
	s.calls++
	return s.rounds[i]
}

func row(key string, origin aggregate.Origin, st service.Status) aggregate.Status {
	var d service.Details
	if st == service.StatusError {
		d.SetString("error", "exit status 3")
	}
	return aggregate.Status{Origin: origin, Key: key, Name: service.TitleCase(key), Status: st, Details: d}
}

type counter struct {
	mu sync.Mutex
	to []string
}

func (c *counter) ObserveTransition(to string) {
	c.mu.Lock()
	c.to = append(c.to, to)
	c.mu.Unlock()
}

func TestCheckPublishesTransitions(t *testing.T) {
	src := &scripted{rounds: [][]aggregate.Status{
		{row("readsb", aggregate.OriginConfigured, service.StatusOK), row("ssh.service", aggregate.OriginAdhoc, service.StatusOK)},
		{row("readsb", aggregate.OriginConfigured, service.StatusError), row("ssh.service", aggregate.OriginAdhoc, service.StatusOK)},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	obs := &counter{}
	w := New(src, WithBus(bus), WithObserver(obs), WithLogger(logx.Nop()))
	ctx := context.Background()

	changes, err := w.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes, "first sighting is not a transition")

	changes, err = w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "readsb", changes[0].Key)
	assert.Equal(t, "ok", changes[0].From)
	assert.Equal(t, "error", changes[0].To)
	assert.Equal(t, "exit status 3", changes[0].Message)

	e := <-events
	assert.Equal(t, eventbus.TypeStatusChanged, e.Type)
	assert.Equal(t, []string{"error"}, obs.to)
}

func TestCheckUsesStoredHistory(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "w.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.PutState(ctx, storage.StateRecord{Key: "unit:cron.service", Status: "ok", Since: since, CheckedAt: since}))
	require.NoError(t, st.PutState(ctx, storage.StateRecord{Key: "readsb", Status: "ok", Since: since, CheckedAt: since}))

	src := &scripted{rounds: [][]aggregate.Status{{
		row("readsb", aggregate.OriginConfigured, service.StatusOK),
		row("cron.service", aggregate.OriginAdhoc, service.StatusUnknown),
	}}}
	w := New(src, WithStore(st))
	changes, err := w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "cron.service", changes[0].Key)
	assert.Equal(t, "systemd-adhoc", changes[0].Origin)

	states, err := st.States(ctx)
	require.NoError(t, err)
	assert.True(t, states["readsb"].Since.Equal(since), "unchanged status keeps its since")
	assert.Equal(t, "unknown", states["unit:cron.service"].Status)
}

func TestStartRunsOnSchedule(t *testing.T) {
	src := &scripted{rounds: [][]aggregate.Status{{row("a", aggregate.OriginConfigured, service.StatusOK)}}}
	w := New(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Error(t, w.Start(ctx, Config{}))
	require.NoError(t, w.Start(ctx, Config{Schedule: cron.Every(time.Second), Units: []string{"cron.service"}}))
	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls > 0
	}, 3*time.Second, 50*time.Millisecond)
	w.Stop(context.Background())

	src.mu.Lock()
	assert.Equal(t, []string{"cron.service"}, src.units)
	src.mu.Unlock()
}

func TestStateKey(t *testing.T) {
	assert.Equal(t, "readsb", StateKey(row("readsb", aggregate.OriginConfigured, service.StatusOK)))
	assert.Equal(t, "unit:x.service", StateKey(row("x.service", aggregate.OriginAdhoc, service.StatusOK)))
}

func TestCheckStampsTransitionsWithClock(t *testing.T) {
	src := &scripted{rounds: [][]aggregate.Status{
		{row("a", aggregate.OriginConfigured, service.StatusOK)},
		{row("a", aggregate.OriginConfigured, service.StatusOK)},
		{row("a", aggregate.OriginConfigured, service.StatusError)},
	}}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	w := New(src, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()

	for range 2 {
		_, err := w.Check(ctx)
		require.NoError(t, err)
	}
	assert.True(t, w.last["a"].Since.Equal(base.Add(time.Minute)))

	changes, err := w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].At.Equal(base.Add(3*time.Minute)))
	assert.True(t, w.last["a"].Since.Equal(changes[0].At))
}
