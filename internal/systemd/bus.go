package systemd

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"

	"servicedeck/internal/executor"
	"servicedeck/internal/service"
)

// dbusConn is the subset of *dbus.Conn the Bus relies on.
type dbusConn interface {
	ListUnitsContext(ctx context.Context) ([]dbus.UnitStatus, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	GetUnitTypePropertiesContext(ctx context.Context, unit string, unitType string) (map[string]interface{}, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// Bus talks to the system manager over D-Bus. It implements both
// UnitManager and UnitLister. Every call, including the wait for a queued
// job, is bounded by the bus timeout.
type Bus struct {
	mu      sync.RWMutex
	conn    dbusConn
	timeout atomic.Int64
}

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (*Bus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dialSystemBus(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "connect to systemd")
	}
	return newBus(conn), nil
}

func newBus(conn dbusConn) *Bus {
	b := &Bus{conn: conn}
	b.timeout.Store(int64(executor.DefaultTimeout))
	return b
}

// SetTimeout changes the per-call deadline; values <= 0 restore the
// executor default.
func (b *Bus) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = executor.DefaultTimeout
	}
	b.timeout.Store(int64(d))
}

func (b *Bus) Timeout() time.Duration { return time.Duration(b.timeout.Load()) }

// bound derives the context one bus call runs under.
func (b *Bus) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.Timeout())
}

// callError wraps a failed call. Calls cut short by the deadline report as
// timed-out execution failures.
func callError(ctx context.Context, command string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return &service.ExecError{Command: command, ExitCode: -1, TimedOut: errors.Is(cerr, context.DeadlineExceeded), Err: cerr}
	}
	return errors.Annotate(err, command)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

func (b *Bus) get() (dbusConn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return nil, errors.New("systemd connection is closed")
	}
	return b.conn, nil
}

func (b *Bus) ListServiceUnits(ctx context.Context) ([]Unit, error) {
	conn, err := b.get()
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.bound(ctx)
	defer cancel()
	all, err := conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, callError(ctx, "systemd list units", err)
	}
	out := make([]Unit, 0, len(all))
	for _, u := range all {
		if !strings.HasSuffix(u.Name, ".service") {
			continue
		}
		out = append(out, Unit{
			Name:        u.Name,
			Description: u.Description,
			Load:        u.LoadState,
			Active:      u.ActiveState,
			Sub:         u.SubState,
			Following:   u.Followed,
			Typical:     Typical(u.Name, u.Description),
		})
	}
	return out, nil
}

func (b *Bus) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := b.get()
	if err != nil {
		return UnitStatus{}, err
	}
	unit = UnitName(unit)
	notFound := UnitStatus{Name: unit, ActiveState: "unknown", SubState: "not-found", LoadState: "not-found"}

	ctx, cancel := b.bound(ctx)
	defer cancel()
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if ctx.Err() == nil && isNoSuchUnitErr(err) {
			return notFound, nil
		}
		return UnitStatus{}, callError(ctx, "systemd status "+unit, err)
	}
	st := UnitStatus{
		Name:        unit,
		Description: stringProp(props, "Description"),
		LoadState:   stringProp(props, "LoadState"),
		ActiveState: stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
	}
	if st.LoadState == "not-found" {
		notFound.Description = st.Description
		return notFound, nil
	}

	// Resource counters live on the Service interface, not on Unit.
	if strings.HasSuffix(unit, ".service") {
		if sp, err := conn.GetUnitTypePropertiesContext(ctx, unit, "Service"); err == nil {
			if pid, ok := sp["MainPID"].(uint32); ok {
				st.MainPID = pid
			}
			st.Memory = counterProp(sp, "MemoryCurrent")
			st.Tasks = counterProp(sp, "TasksCurrent")
			st.CPU = time.Duration(counterProp(sp, "CPUUsageNSec"))
		}
	}
	return st, nil
}

func (b *Bus) StartUnit(ctx context.Context, unit string) error {
	return b.job(ctx, "start", unit, func(ctx context.Context, c dbusConn, name string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, name, "replace", ch)
	})
}

func (b *Bus) StopUnit(ctx context.Context, unit string) error {
	return b.job(ctx, "stop", unit, func(ctx context.Context, c dbusConn, name string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, name, "replace", ch)
	})
}

func (b *Bus) RestartUnit(ctx context.Context, unit string) error {
	return b.job(ctx, "restart", unit, func(ctx context.Context, c dbusConn, name string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, name, "replace", ch)
	})
}

// job queues a unit job and waits for systemd to report its result.
func (b *Bus) job(ctx context.Context, verb, unit string, enqueue func(context.Context, dbusConn, string, chan<- string) (int, error)) error {
	conn, err := b.get()
	if err != nil {
		return err
	}
	unit = UnitName(unit)
	ctx, cancel := b.bound(ctx)
	defer cancel()
	done := make(chan string, 1)
	command := "systemd " + verb + " " + unit
	if _, err := enqueue(ctx, conn, unit, done); err != nil {
		if ctx.Err() != nil {
			return callError(ctx, command, err)
		}
		return &service.ExecError{Command: command, ExitCode: -1, Err: err}
	}
	select {
	case <-ctx.Done():
		return callError(ctx, command, ctx.Err())
	case result := <-done:
		if result != "done" {
			return &service.ExecError{Command: command, ExitCode: -1, Err: errors.Errorf("job %s", result)}
		}
		return nil
	}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found") || strings.Contains(es, "not found")
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// parseTimestamp converts a systemd microsecond timestamp property.
func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func counterProp(props map[string]interface{}, key string) uint64 {
	if v, ok := props[key].(uint64); ok && v != ^uint64(0) {
		return v
	}
	return 0
}
