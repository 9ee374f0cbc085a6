package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/service"
)

const sampleYAML = `
executor:
  timeout: 3s
defaults: &cmd
  shell: false
services:
  - key: readsb
    adapter: command
    commands:
      status: "echo 'Active: active (running)'"
    params:
      timeout: 2s
    metadata:
      zeta: last-alpha
      alpha: 1
      host: pi
  - key: web-ui
    name: Dashboard
    adapter: systemd
    params:
      unit: nginx
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.yaml", []byte(sampleYAML))
	require.Error(t, err)
	assert.True(t, service.IsConfigError(err))
	assert.Contains(t, err.Error(), "defaults")
}

func TestLoadYAMLKeepsOrderAndMergesCommands(t *testing.T) {
	body := `
executor:
  timeout: 3s
services:
  - key: readsb
    adapter: command
    commands:
      status: "echo 'Active: active (running)'"
    params:
      timeout: 2s
    metadata:
      zeta: last-alpha
      alpha: 1
      host: pi
  - key: web-ui
    name: Dashboard
    adapter: systemd
    params:
      unit: nginx
`
	m := NewManager(writeFile(t, "services.yaml", body))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ExecTimeout())
	assert.Same(t, cfg, m.Get())

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "Readsb", specs[0].Name)
	assert.Equal(t, "echo 'Active: active (running)'", specs[0].Params.String("status"))
	assert.Equal(t, "2s", specs[0].Params.String("timeout"))
	assert.Equal(t, []string{"zeta", "alpha", "host"}, specs[0].Metadata.Keys())
	v, _ := specs[0].Metadata.Get("alpha")
	n, ok := v.Int()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, "Dashboard", specs[1].Name)
	assert.Equal(t, "systemd", specs[1].Adapter)
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "services.json", `{"services":[{"key":"a","adapter":"command"}]}`))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Services, 1)
	assert.Equal(t, DefaultExecTimeout, cfg.ExecTimeout())
	assert.Equal(t, DefaultMaxParallel, cfg.MaxParallel())
	assert.True(t, cfg.DBusEnabled())
	assert.True(t, cfg.ControlEnabled())

	m = NewManager(writeFile(t, "trail.json", `{"services":[]} {"services":[]}`))
	_, err = m.Load()
	assert.True(t, service.IsConfigError(err))
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]string{
		"missing services":  `executor: {timeout: 1s}`,
		"missing key":       "services:\n  - adapter: command\n",
		"missing adapter":   "services:\n  - key: a\n",
		"duplicate key":     "services:\n  - {key: a, adapter: command}\n  - {key: a, adapter: command}\n",
		"unknown command":   "services:\n  - {key: a, adapter: command, commands: {reload: x}}\n",
		"conflict":          "services:\n  - {key: a, adapter: command, commands: {status: x}, params: {status: y}}\n",
		"bad timeout":       "executor: {timeout: soon}\nservices: []\n",
		"bad schedule":      "watch: {enabled: true, schedule: 'every tuesday'}\nservices: []\n",
		"bad storage":       "storage: {driver: redis}\nservices: []\n",
		"storage w/o path":  "storage: {driver: sqlite}\nservices: []\n",
		"notifier no token": "notifier: {enabled: true}\nservices: []\n",
		"nats no url":       "nats: {enabled: true}\nservices: []\n",
		"bad addr":          "server: {addr: nope}\nservices: []\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, "c.yaml", body)).Load()
			require.Error(t, err)
			assert.True(t, service.IsConfigError(err), err.Error())
		})
	}
}

func TestMissingFileIsConfigError(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "none.yaml")).Load()
	assert.True(t, service.IsConfigError(err))
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "@hourly", "45s"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	s, err := ParseSchedule("45s")
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(45*time.Second), s.Next(now))
}

func TestYAMLMergeKeys(t *testing.T) {
	body := `
base: &base
  adapter: command
  commands: {status: "true"}
`
	_, err := Decode("c.yaml", []byte(body))
	require.Error(t, err) // "base" is not a config key

	jb, _, err := coerceToJSONBytes("c.yaml", []byte(`
a: &a {x: 1, y: 2}
b:
  <<: *a
  y: 3
  z: 4
`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"x":1,"y":2},"b":{"x":1,"y":3,"z":4}}`, string(jb))
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	path := writeFile(t, "services.yaml", "services:\n  - {key: a, adapter: command}\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("services:\n  - {key: b, adapter: command}\n"), 0o644))
	m.SetValidator(func(context.Context, *Config) error { return service.ConfigError("nope") })
	changed, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "a", m.Get().Services[0].Key)

	m.SetValidator(nil)
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-ch
	assert.Equal(t, "b", got.Services[0].Key)
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := writeFile(t, "services.yaml", "services:\n  - {key: a, adapter: command}\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - {key: c, adapter: command}\n"), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, "c", cfg.Services[0].Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	cancel()
	<-done
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Services: []ServiceConfig{{Key: "a", Adapter: "command"}}, Telegram: TelegramConfig{Token: "x"}}
	newCfg := &Config{
		Services: []ServiceConfig{{Key: "a", Adapter: "systemd"}, {Key: "b", Adapter: "command"}},
		Telegram: TelegramConfig{Token: "y"},
		Metrics:  MetricsConfig{Enabled: true},
	}
	sections, attrs, svcs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"metrics", "services", "telegram"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"a", "b"}, svcs)
}
