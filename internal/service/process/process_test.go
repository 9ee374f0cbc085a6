package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/service"
)

func staticSource(procs ...Info) Source {
	return func(context.Context) ([]Info, error) { return procs, nil }
}

func TestNewRequiresMatcher(t *testing.T) {
	_, err := New(service.Spec{Key: "x"}, staticSource())
	require.Error(t, err)
	assert.True(t, service.IsConfigError(err))

	_, err = New(service.Spec{Key: "x", Params: service.Params{"name": "nginx", "min": "zero"}}, staticSource())
	assert.True(t, service.IsConfigError(err))
}

func TestFetchStateMatchesByNameAndCmdline(t *testing.T) {
	src := staticSource(
		Info{PID: 30, Name: "nginx", Cmdline: "nginx: worker process", RSS: 1 << 20, CPU: 0.5},
		Info{PID: 12, Name: "nginx", Cmdline: "nginx: master process /usr/sbin/nginx", RSS: 2 << 20, CPU: 1.0},
		Info{PID: 99, Name: "bash", Cmdline: "bash"},
	)

	a, err := New(service.Spec{Key: "web", Params: service.Params{"name": "nginx", "min": 2}}, src)
	require.NoError(t, err)
	st := a.FetchState(context.Background())
	assert.Equal(t, service.StatusOK, st.Status)
	assert.Equal(t, "2", st.Details.GetString("matched"))
	assert.Equal(t, "12, 30", st.Details.GetString("pids"))
	assert.Equal(t, "3.0 MiB", st.Details.GetString("rss"))
	assert.Equal(t, "1.5%", st.Details.GetString("cpu"))

	master, _ := New(service.Spec{Key: "web", Params: service.Params{"cmdline": "master process"}}, src)
	st = master.FetchState(context.Background())
	assert.Equal(t, "12", st.Details.GetString("pids"))
}

func TestFetchStateNoMatchIsError(t *testing.T) {
	a, _ := New(service.Spec{Key: "web", Params: service.Params{"name": "nginx"}}, staticSource(Info{PID: 1, Name: "init"}))
	st := a.FetchState(context.Background())
	assert.Equal(t, service.StatusError, st.Status)
	assert.Equal(t, "0", st.Details.GetString("matched"))
	assert.Contains(t, st.Details.GetString("message"), "at least 1")
}

func TestFetchStateSourceFailureIsUnknown(t *testing.T) {
	a, _ := New(service.Spec{Key: "web", Params: service.Params{"name": "nginx"}}, func(context.Context) ([]Info, error) {
		return nil, errors.New("proc not mounted")
	})
	st := a.FetchState(context.Background())
	assert.Equal(t, service.StatusUnknown, st.Status)
}

func TestFetchStateListingIsBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context) ([]Info, error) {
		<-release
		return nil, nil
	}

	ad, err := Factory(stuck, 50*time.Millisecond)(service.Spec{Key: "web", Params: service.Params{"name": "nginx"}})
	require.NoError(t, err)
	start := time.Now()
	st := ad.FetchState(context.Background())
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.Equal(t, service.StatusUnknown, st.Status)
	assert.Equal(t, "true", st.Details.GetString("timed_out"))

	a, _ := New(service.Spec{Key: "web", Params: service.Params{"name": "nginx"}}, stuck)
	assert.Equal(t, DefaultTimeout, a.timeout)
}

func TestFetchStatePidfile(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "app.pid")
	require.NoError(t, os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	a, err := New(service.Spec{Key: "self", Params: service.Params{"pidfile": pidfile}}, HostProcesses)
	require.NoError(t, err)
	st := a.FetchState(context.Background())
	assert.Equal(t, service.StatusOK, st.Status)
	assert.Equal(t, strconv.Itoa(os.Getpid()), st.Details.GetString("pids"))

	missing, _ := New(service.Spec{Key: "gone", Params: service.Params{"pidfile": filepath.Join(dir, "none.pid")}}, HostProcesses)
	assert.Equal(t, service.StatusError, missing.FetchState(context.Background()).Status)
}

func TestLifecycleUnsupported(t *testing.T) {
	a, _ := New(service.Spec{Key: "web", Params: service.Params{"name": "nginx"}}, staticSource())
	assert.True(t, service.IsUnsupported(a.Start(context.Background())))
	assert.True(t, service.IsUnsupported(a.Stop(context.Background())))
	assert.True(t, service.IsUnsupported(a.Restart(context.Background())))
}
