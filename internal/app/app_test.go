package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/config"
	"servicedeck/internal/eventbus"
)

const baseYAML = `
server:
  enabled: false
logging:
  level: error
systemd:
  dbus: false
metrics:
  enabled: true
storage:
  driver: file
  path: %s
services:
  - key: alpha
    adapter: command
    commands:
      status: "echo 'Active: active (running)'"
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "services.yaml")
	body := []byte(fmt.Sprintf(baseYAML, filepath.Join(dir, "data")+string(os.PathSeparator)))
	require.NoError(t, os.WriteFile(p, body, 0o644))

	a, err := New(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a
}

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("next.yaml", []byte(body))
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestNewWiresCore(t *testing.T) {
	a := newTestApp(t)
	assert.NotNil(t, a.core)
	assert.NotNil(t, a.store)
	assert.NotNil(t, a.mets)
	assert.Nil(t, a.api)
	assert.Nil(t, a.nc)
	assert.False(t, a.notif.Enabled())
	assert.Equal(t, []string{"alpha"}, a.core.Aggregator.Catalog().Keys())
}

func TestNewRejectsMissingConfig(t *testing.T) {
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestApplyConfigSwapsCatalog(t *testing.T) {
	a := newTestApp(t)
	prev := a.cfgm.Get()

	next := decode(t, `
systemd:
  dbus: false
services:
  - key: beta
    adapter: command
    commands:
      status: "echo ok"
  - key: gamma
    adapter: command
    commands:
      status: "echo ok"
`)
	require.NoError(t, a.validate(context.Background(), next))

	events, unsub := a.bus.Subscribe(16)
	defer unsub()

	a.applyConfig(context.Background(), prev, next)
	assert.Equal(t, []string{"beta", "gamma"}, a.core.Aggregator.Catalog().Keys())
	assert.Empty(t, a.pending)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.TypeConfigReload, ev.Type)
		data, ok := ev.Data.(eventbus.ConfigReloaded)
		require.True(t, ok)
		assert.Contains(t, data.Sections, "services")
		assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, data.Services)
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
}

func TestApplyConfigWithoutChangesKeepsCatalog(t *testing.T) {
	a := newTestApp(t)
	cfg := a.cfgm.Get()
	before := a.core.Aggregator.Catalog()

	a.applyConfig(context.Background(), cfg, cfg)
	assert.Same(t, before, a.core.Aggregator.Catalog())
}

func TestApplyConfigUpdatesInvocationTimeout(t *testing.T) {
	a := newTestApp(t)
	prev := a.cfgm.Get()
	assert.Equal(t, 8*time.Second, a.core.Runner.Timeout())

	next := decode(t, `
executor:
  timeout: "3s"
systemd:
  dbus: false
services:
  - key: alpha
    adapter: command
    commands:
      status: "echo 'Active: active (running)'"
`)
	a.applyConfig(context.Background(), prev, next)
	assert.Equal(t, 3*time.Second, a.core.Runner.Timeout())
}

func TestValidateRejectsUnknownAdapter(t *testing.T) {
	a := newTestApp(t)
	cfg, err := config.Decode("next.yaml", []byte(`
services:
  - key: x
    adapter: carrier-pigeon
`))
	require.NoError(t, err)
	require.Error(t, a.validate(context.Background(), cfg))
	assert.Empty(t, a.pending)
}

func TestApplyWatchStartsAndStops(t *testing.T) {
	a := newTestApp(t)
	prev := a.cfgm.Get()
	next := decode(t, `
systemd:
  dbus: false
watch:
  enabled: true
  schedule: "@every 1h"
services: []
`)
	require.NoError(t, a.validate(context.Background(), next))
	a.applyConfig(context.Background(), prev, next)
	assert.Equal(t, 0, a.core.Aggregator.Catalog().Len())

	off := decode(t, `
systemd:
  dbus: false
services: []
`)
	a.applyConfig(context.Background(), next, off)
}

func TestHealthReportsTasks(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		for _, task := range a.Health().Tasks {
			if task.Name == "config.reload" && task.Running {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h := a.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Services)
	assert.Equal(t, "file", h.Storage)
	assert.False(t, h.Notifier)

	require.NoError(t, a.Stop(context.Background(), StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestMapAPIConfigDefaults(t *testing.T) {
	cfg := decode(t, "services: []\n")
	got, err := mapAPIConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAddr, got.Addr)
	assert.Equal(t, 30*time.Second, got.ReadTimeout)
	assert.Equal(t, 60*time.Second, got.WriteTimeout)
	assert.Equal(t, 2*time.Minute, got.IdleTimeout)
	assert.True(t, got.ControlEnabled)
	assert.Equal(t, config.DefaultControlRate, got.ControlRate)
	assert.Equal(t, config.DefaultControlBurst, got.ControlBurst)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(decode(t, "services: []\n"))
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(decode(t, `
storage:
  driver: SQLite
  path: /tmp/x.db
services: []
`))
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
}

func TestMapWatchConfigTimezone(t *testing.T) {
	cfg := decode(t, `
watch:
  enabled: true
  schedule: "*/5 * * * *"
  timezone: UTC
  units: [ssh.service]
services: []
`)
	wc, err := mapWatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, wc.Location)
	assert.Equal(t, []string{"ssh.service"}, wc.Units)
	assert.NotNil(t, wc.Schedule)
}

func TestMapNotifierConfigDefaultsDedupWindow(t *testing.T) {
	nc, err := mapNotifierConfig(decode(t, `
notifier:
  enabled: false
  retry_base: 1s
services: []
`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, nc.RetryBase)
	assert.Equal(t, 10*time.Minute, nc.DedupWindow)
}

func TestOverrideListen(t *testing.T) {
	a := &App{}
	WithListen("", "9090")(a)
	cfg := decode(t, "server:\n  addr: 127.0.0.1:8000\nservices: []\n")
	a.overrideListen(cfg)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)

	WithListen("::1", "")(a)
	a.overrideListen(cfg)
	assert.Equal(t, "[::1]:9090", cfg.Server.Addr)

	untouched := decode(t, "services: []\n")
	(&App{}).overrideListen(untouched)
	assert.Empty(t, untouched.Server.Addr)
}
