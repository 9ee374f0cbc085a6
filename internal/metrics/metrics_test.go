package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveFetchTracksServiceUp(t *testing.T) {
	m := New()
	m.ObserveFetch("command", "readsb", "ok", 20*time.Millisecond)
	m.ObserveFetch("command", "readsb", "error", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("command", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serviceStatus.WithLabelValues("readsb")))

	m.Forget([]string{"readsb"})
	assert.Equal(t, 0, testutil.CollectAndCount(m.serviceStatus))
}

func TestObserveExecOutcomes(t *testing.T) {
	m := New()
	m.ObserveExec("shell", 0, false, time.Millisecond)
	m.ObserveExec("shell", 3, false, time.Millisecond)
	m.ObserveExec("argv", -1, true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.execs.WithLabelValues("shell", "nonzero")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.execs.WithLabelValues("argv", "timeout")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch("a", "b", "ok", 0)
		m.ObserveAction("start", "ok")
		m.ObserveHTTP("/x", 200)
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveAction("restart", "ok")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `servicedeck_control_actions_total{action="restart",result="ok"} 1`))
}
