package systemd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/executor/executortest"
	"servicedeck/internal/service"
)

const sshStatus = `● ssh.service - OpenBSD Secure Shell server
     Loaded: loaded (/lib/systemd/system/ssh.service; enabled; preset: enabled)
     Active: active (running) since Mon 2024-01-01 10:00:00 UTC; 2h ago
   Main PID: 812 (sshd)
      Tasks: 1 (limit: 4915)
     Memory: 5.6M
        CPU: 1.203s
     Active: inactive (dead)
`

func TestParseStatusSummaryFirstOccurrenceWins(t *testing.T) {
	d := ParseStatusSummary(sshStatus)
	assert.Equal(t, []string{"loaded", "active", "main_pid", "tasks", "memory", "cpu"}, d.Keys())
	assert.Equal(t, "Active: active (running) since Mon 2024-01-01 10:00:00 UTC; 2h ago", d.GetString("active"))
	assert.Equal(t, "Main PID: 812 (sshd)", d.GetString("main_pid"))
	assert.True(t, strings.HasPrefix(ActiveValue(d), "active (running)"))
}

func TestParseStatusSummaryToleratesMissingLines(t *testing.T) {
	d := ParseStatusSummary("Active: failed (Result: exit-code)\nsomething else")
	assert.Equal(t, []string{"active"}, d.Keys())
	assert.Equal(t, 0, ParseStatusSummary("plain output").Len())
}

func TestStatusFromActive(t *testing.T) {
	assert.Equal(t, service.StatusOK, StatusFromActive("active (running) since x"))
	assert.Equal(t, service.StatusOK, StatusFromActive("active"))
	assert.Equal(t, service.StatusStarting, StatusFromActive("activating (start-pre)"))
	assert.Equal(t, service.StatusStarting, StatusFromActive("reloading"))
	assert.Equal(t, service.StatusError, StatusFromActive("inactive (dead)"))
	assert.Equal(t, service.StatusError, StatusFromActive("failed"))
	assert.Equal(t, service.StatusUnknown, StatusFromActive(""))
}

func TestTypical(t *testing.T) {
	assert.True(t, Typical("systemd-journald.service", ""))
	assert.True(t, Typical("getty@tty1.service", ""))
	assert.True(t, Typical("foo.service", "Docker Application Container Engine"))
	assert.True(t, Typical("NetworkManager.service", ""))
	assert.False(t, Typical("readsb.service", "ADS-B receiver"))
}

func TestParseUnitListJSON(t *testing.T) {
	out := `[{"unit":"ssh.service","load":"loaded","active":"active","sub":"running","description":"OpenBSD Secure Shell server"},
{"name":"readsb.service","load":"loaded","active_state":"failed","sub_state":"failed"},
{"description":"no name"}]`
	units := ParseUnitList(out)
	require.Len(t, units, 2)
	assert.Equal(t, Unit{Name: "ssh.service", Description: "OpenBSD Secure Shell server", Load: "loaded", Active: "active", Sub: "running", Typical: true}, units[0])
	assert.Equal(t, "readsb.service", units[1].Name)
	assert.Equal(t, "failed", units[1].Active)
	assert.Equal(t, "", units[1].Description)
	assert.False(t, units[1].Typical)
}

func TestParseUnitListPlainFallback(t *testing.T) {
	out := "ssh.service loaded active running OpenBSD Secure Shell server\n" +
		"● readsb.service loaded failed failed ADS-B decoder\n" +
		"bare.service loaded active running\n" +
		"short line\n"
	units := ParseUnitList(out)
	require.Len(t, units, 3)
	assert.Equal(t, "OpenBSD Secure Shell server", units[0].Description)
	assert.Equal(t, "readsb.service", units[1].Name)
	assert.Equal(t, "failed", units[1].Sub)
	assert.Equal(t, Unit{Name: "bare.service", Load: "loaded", Active: "active", Sub: "running"}, units[2])
}

func TestParseUnitListEmpty(t *testing.T) {
	assert.Empty(t, ParseUnitList(""))
	assert.Empty(t, ParseUnitList("[]"))
}

func TestListUnitsUsesSystemctlJSON(t *testing.T) {
	fake := executortest.New().On(strings.Join(listUnitsArgs, " "), executortest.Reply{Output: `[{"unit":"a.service","load":"loaded","active":"active","sub":"running","description":"A"}]`})
	units, err := NewDiscovery(fake).ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "a.service", units[0].Name)
}

func TestListUnitsFailureIsReported(t *testing.T) {
	fake := executortest.New().OnPrefix("systemctl list-units", executortest.Reply{ExitCode: 1, Output: "System has not been booted with systemd"})
	_, err := NewDiscovery(fake).ListUnits(context.Background())
	require.Error(t, err)
	assert.True(t, service.IsExecFailure(err))
}

type failingLister struct{}

func (failingLister) ListServiceUnits(context.Context) ([]Unit, error) {
	return nil, errors.New("bus gone")
}

func TestStatesForUnitsKeepsNamesOutOfOptions(t *testing.T) {
	fake := executortest.New().On("systemctl status --no-pager -- ssh.service", executortest.Reply{Output: sshStatus})
	states := NewDiscovery(fake).StatesForUnits(context.Background(), []string{"--host=root@example.org", "-H", "ssh.service"})
	require.Len(t, states, 3)
	assert.Equal(t, "--host=root@example.org", states[0].Unit)
	assert.Equal(t, service.StatusUnknown, states[0].Status)
	assert.Equal(t, "invalid-name", states[0].Details.GetString("reason"))
	assert.Equal(t, "invalid-name", states[1].Details.GetString("reason"))
	assert.Equal(t, service.StatusOK, states[2].Status)
	assert.Equal(t, []string{"systemctl status --no-pager -- ssh.service"}, fake.Calls())

	_, err := NewDiscovery(fake).Journal(context.Background(), "--all", JournalQuery{})
	assert.True(t, service.IsConfigError(err))
	assert.Len(t, fake.Calls(), 1)
}

func TestListUnitsFallsBackFromLister(t *testing.T) {
	fake := executortest.New().OnPrefix("systemctl list-units", executortest.Reply{Output: "[]"})
	units, err := NewDiscovery(fake, WithLister(failingLister{})).ListUnits(context.Background())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestStatesForUnits(t *testing.T) {
	fake := executortest.New().
		On("systemctl status --no-pager -- ssh.service", executortest.Reply{Output: sshStatus}).
		On("systemctl status --no-pager -- readsb.service", executortest.Reply{ExitCode: 3, Output: "Loaded: loaded\nActive: failed (Result: exit-code)"}).
		On("systemctl status --no-pager -- nonexistent.service", executortest.Reply{ExitCode: 4, Output: "Unit nonexistent.service could not be found."}).
		On("systemctl status --no-pager -- boot.service", executortest.Reply{ExitCode: 3, Output: "Loaded: loaded\nActive: activating (start)"}).
		On("systemctl status --no-pager -- slow.service", executortest.Reply{Block: true})

	d := NewDiscovery(fake, WithMaxParallel(2))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	states := d.StatesForUnits(ctx, []string{"ssh.service", " ", "readsb.service", "nonexistent.service", "ssh.service", "boot.service", "slow.service"})
	require.Len(t, states, 5)

	got := map[string]service.Status{}
	order := make([]string, 0, len(states))
	for _, s := range states {
		got[s.Unit] = s.Status
		order = append(order, s.Unit)
	}
	assert.Equal(t, []string{"ssh.service", "readsb.service", "nonexistent.service", "boot.service", "slow.service"}, order)
	assert.Equal(t, service.StatusOK, got["ssh.service"])
	assert.Equal(t, service.StatusError, got["readsb.service"])
	assert.Equal(t, service.StatusUnknown, got["nonexistent.service"])
	assert.Equal(t, service.StatusStarting, got["boot.service"])
	assert.Equal(t, service.StatusUnknown, got["slow.service"])

	assert.Equal(t, "not-found", states[2].Details.GetString("reason"))
	assert.Equal(t, "3", states[1].Details.GetString("returncode"))
	sub, ok := mustGet(t, states[0].Details, "systemctl").Details()
	require.True(t, ok)
	assert.Contains(t, sub.GetString("active"), "active (running)")
	assert.Equal(t, "true", states[4].Details.GetString("timed_out"))
}

func TestStatesForUnitsEmptyInput(t *testing.T) {
	d := NewDiscovery(executortest.New())
	assert.Empty(t, d.StatesForUnits(context.Background(), nil))
}

func mustGet(t *testing.T, d service.Details, key string) service.Value {
	t.Helper()
	v, ok := d.Get(key)
	require.True(t, ok, key)
	return v
}

func TestParseJournal(t *testing.T) {
	out := `{"__REALTIME_TIMESTAMP":"1704103200000000","MESSAGE":"  Started OpenBSD Secure Shell server. ","PRIORITY":"6","SYSLOG_IDENTIFIER":"systemd"}
not json
{"_SOURCE_REALTIME_TIMESTAMP":"1704103201500000","MESSAGE":[104,105],"PRIORITY":"9","_COMM":"sshd"}
{"MESSAGE":"bare"}
`
	entries := ParseJournal(out, "ssh.service")
	require.Len(t, entries, 3)
	assert.Equal(t, JournalEntry{Timestamp: "2024-01-01T10:00:00Z", Message: "Started OpenBSD Secure Shell server.", Priority: "info", Identifier: "systemd"}, entries[0])
	assert.Equal(t, "hi", entries[1].Message)
	assert.Equal(t, "9", entries[1].Priority)
	assert.Equal(t, "sshd", entries[1].Identifier)
	assert.Equal(t, "2024-01-01T10:00:01.5Z", entries[1].Timestamp)
	assert.Equal(t, "unknown", entries[2].Priority)
	assert.Equal(t, "ssh.service", entries[2].Identifier)
	assert.Equal(t, "", entries[2].Timestamp)
}

func TestClampLines(t *testing.T) {
	assert.Equal(t, 200, ClampLines(0, 0, 0))
	assert.Equal(t, 200, ClampLines(-5, 200, 1000))
	assert.Equal(t, 1, ClampLines(1, 200, 1000))
	assert.Equal(t, 1000, ClampLines(5000, 200, 1000))
}

func TestJournalBuildsInvocation(t *testing.T) {
	fake := executortest.New().OnPrefix("journalctl", executortest.Reply{Output: `{"MESSAGE":"x","PRIORITY":"3"}`})
	d := NewDiscovery(fake)
	entries, err := d.Journal(context.Background(), "ssh.service", JournalQuery{Lines: 5000, Since: "1 hour ago"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "err", entries[0].Priority)
	assert.Equal(t, []string{"journalctl --unit=ssh.service --no-pager --output=json -n 1000 --since '1 hour ago'"}, fake.Calls())

	_, err = d.Journal(context.Background(), "  ", JournalQuery{})
	assert.Error(t, err)
}

func TestParseShowOutput(t *testing.T) {
	st := ParseShowOutput("Id=ssh.service\nDescription=OpenBSD Secure Shell server\nLoadState=loaded\nActiveState=active\nSubState=running\nMainPID=812\nMemoryCurrent=5873664\nTasksCurrent=1\nCPUUsageNSec=[not set]\n")
	assert.Equal(t, "ssh.service", st.Name)
	assert.Equal(t, uint32(812), st.MainPID)
	assert.Equal(t, uint64(5873664), st.Memory)
	assert.Equal(t, uint64(1), st.Tasks)
	assert.Zero(t, st.CPU)
	assert.False(t, st.NotFound())
	assert.True(t, ParseShowOutput("LoadState=not-found").NotFound())
}

func TestCLIManagerRejectsOptionNames(t *testing.T) {
	fake := executortest.New()
	m := NewCLIManager(fake)
	_, err := m.UnitStatus(context.Background(), "--host=x")
	assert.True(t, service.IsConfigError(err))
	assert.True(t, service.IsConfigError(m.StopUnit(context.Background(), "-H")))
	assert.Empty(t, fake.Calls())
}

func TestCLIManagerJobs(t *testing.T) {
	fake := executortest.New().
		On("systemctl restart -- readsb.service", executortest.Reply{}).
		On("systemctl start -- broken.service", executortest.Reply{ExitCode: 1, Output: "Job for broken.service failed."})
	m := NewCLIManager(fake)
	require.NoError(t, m.RestartUnit(context.Background(), "readsb"))
	err := m.StartUnit(context.Background(), "broken.service")
	require.Error(t, err)
	assert.True(t, service.IsExecFailure(err))
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "ssh.service", UnitName("ssh"))
	assert.Equal(t, "ssh.service", UnitName(" ssh.service "))
	assert.Equal(t, "backup.timer", UnitName("backup.timer"))
	assert.Equal(t, "", UnitName(""))
}

type stubConn struct {
	units     []dbus.UnitStatus
	props     map[string]map[string]interface{}
	svcProps  map[string]map[string]interface{}
	jobResult string
	closed    bool
}

func (s *stubConn) ListUnitsContext(context.Context) ([]dbus.UnitStatus, error) { return s.units, nil }
func (s *stubConn) GetUnitPropertiesContext(_ context.Context, unit string) (map[string]interface{}, error) {
	p, ok := s.props[unit]
	if !ok {
		return nil, errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit " + unit + " not loaded.")
	}
	return p, nil
}
func (s *stubConn) GetUnitTypePropertiesContext(_ context.Context, unit, _ string) (map[string]interface{}, error) {
	return s.svcProps[unit], nil
}
func (s *stubConn) StartUnitContext(_ context.Context, _ string, _ string, ch chan<- string) (int, error) {
	ch <- s.jobResult
	return 1, nil
}
func (s *stubConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return s.StartUnitContext(ctx, name, mode, ch)
}
func (s *stubConn) RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return s.StartUnitContext(ctx, name, mode, ch)
}
func (s *stubConn) Close() { s.closed = true }

func TestBusListsOnlyServices(t *testing.T) {
	conn := &stubConn{units: []dbus.UnitStatus{
		{Name: "ssh.service", Description: "OpenSSH", LoadState: "loaded", ActiveState: "active", SubState: "running"},
		{Name: "backup.timer", LoadState: "loaded", ActiveState: "active", SubState: "waiting"},
	}}
	units, err := newBus(conn).ListServiceUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "ssh.service", units[0].Name)
	assert.True(t, units[0].Typical)
}

func TestBusUnitStatus(t *testing.T) {
	conn := &stubConn{
		props: map[string]map[string]interface{}{
			"readsb.service": {"LoadState": "loaded", "ActiveState": "active", "SubState": "running", "Description": "readsb", "ActiveEnterTimestamp": uint64(1704103200000000)},
		},
		svcProps: map[string]map[string]interface{}{
			"readsb.service": {"MainPID": uint32(4242), "MemoryCurrent": uint64(1 << 20), "TasksCurrent": uint64(3), "CPUUsageNSec": ^uint64(0)},
		},
	}
	b := newBus(conn)
	st, err := b.UnitStatus(context.Background(), "readsb")
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), st.MainPID)
	assert.Equal(t, uint64(1<<20), st.Memory)
	assert.Zero(t, st.CPU)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), st.ActiveSince.UTC())

	missing, err := b.UnitStatus(context.Background(), "ghost.service")
	require.NoError(t, err)
	assert.True(t, missing.NotFound())
}

func TestBusJobResult(t *testing.T) {
	conn := &stubConn{jobResult: "done"}
	b := newBus(conn)
	require.NoError(t, b.RestartUnit(context.Background(), "ssh"))

	conn.jobResult = "failed"
	err := b.StartUnit(context.Background(), "ssh")
	require.Error(t, err)
	assert.True(t, service.IsExecFailure(err))

	require.NoError(t, b.Close())
	assert.True(t, conn.closed)
	_, err = b.UnitStatus(context.Background(), "ssh")
	assert.Error(t, err)
}

// hangConn never answers: property reads wait for their context and jobs
// never report a result.
type hangConn struct{ stubConn }

func (h *hangConn) GetUnitPropertiesContext(ctx context.Context, _ string) (map[string]interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (h *hangConn) ListUnitsContext(ctx context.Context) ([]dbus.UnitStatus, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (h *hangConn) StartUnitContext(context.Context, string, string, chan<- string) (int, error) {
	return 1, nil
}

func TestBusCallsAreBounded(t *testing.T) {
	b := newBus(&hangConn{})
	assert.Equal(t, 8*time.Second, b.Timeout())
	b.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := b.UnitStatus(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, service.IsTimeout(err))
	assert.True(t, service.IsExecFailure(err))

	_, err = b.ListServiceUnits(context.Background())
	assert.True(t, service.IsTimeout(err))

	err = b.StartUnit(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, service.IsTimeout(err))
	assert.True(t, time.Since(start) < 2*time.Second)

	b.SetTimeout(0)
	assert.Equal(t, 8*time.Second, b.Timeout())
}
