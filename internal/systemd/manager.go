package systemd

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"servicedeck/internal/executor"
)

// UnitStatus is a snapshot of one unit's properties.
type UnitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	MainPID     uint32
	Memory      uint64 // bytes, 0 when unknown
	Tasks       uint64
	CPU         time.Duration
	ActiveSince time.Time
}

// NotFound reports whether systemd has no such unit loaded.
func (s UnitStatus) NotFound() bool {
	return s.LoadState == "not-found" || s.SubState == "not-found"
}

// UnitManager inspects and drives individual units. Lifecycle calls wait for
// the queued job to finish and fail when it did not complete successfully.
type UnitManager interface {
	UnitStatus(ctx context.Context, unit string) (UnitStatus, error)
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	RestartUnit(ctx context.Context, unit string) error
}

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// CLIManager implements UnitManager on top of systemctl.
type CLIManager struct {
	runner executor.Runner
}

// validUnitArg rejects names systemctl or journalctl would read as options.
func validUnitArg(unit string) bool {
	return unit != "" && !strings.HasPrefix(unit, "-")
}

func NewCLIManager(runner executor.Runner) *CLIManager { return &CLIManager{runner: runner} }

var showProperties = []string{
	"Id", "Description", "LoadState", "ActiveState", "SubState",
	"MainPID", "MemoryCurrent", "TasksCurrent", "CPUUsageNSec", "ActiveEnterTimestamp",
}

func (m *CLIManager) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	unit = UnitName(unit)
	if !validUnitArg(unit) {
		return UnitStatus{}, errors.NotValidf("unit name %q", unit)
	}
	argv := []string{"systemctl", "show", "--no-pager", "--property=" + strings.Join(showProperties, ","), "--", unit}
	res, err := m.runner.Run(ctx, executor.Args(argv...))
	if err != nil {
		return UnitStatus{}, errors.Annotatef(err, "status of %s", unit)
	}
	if res.ExitCode != 0 {
		return UnitStatus{}, errors.Annotatef(execFailure(argv, res), "status of %s", unit)
	}
	st := ParseShowOutput(res.Output)
	if st.Name == "" {
		st.Name = unit
	}
	return st, nil
}

// ParseShowOutput reads `systemctl show` KEY=VALUE lines.
func ParseShowOutput(out string) UnitStatus {
	var st UnitStatus
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "Id":
			st.Name = v
		case "Description":
			st.Description = v
		case "LoadState":
			st.LoadState = v
		case "ActiveState":
			st.ActiveState = v
		case "SubState":
			st.SubState = v
		case "MainPID":
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				st.MainPID = uint32(n)
			}
		case "MemoryCurrent":
			st.Memory = parseCounter(v)
		case "TasksCurrent":
			st.Tasks = parseCounter(v)
		case "CPUUsageNSec":
			st.CPU = time.Duration(parseCounter(v))
		case "ActiveEnterTimestamp":
			if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", v); err == nil {
				st.ActiveSince = t
			}
		}
	}
	return st
}

// parseCounter treats "[not set]" and the uint64 max sentinel as absent.
func parseCounter(v string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil || n == ^uint64(0) {
		return 0
	}
	return n
}

func (m *CLIManager) StartUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "start", unit)
}

func (m *CLIManager) StopUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "stop", unit)
}

func (m *CLIManager) RestartUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "restart", unit)
}

func (m *CLIManager) job(ctx context.Context, verb, unit string) error {
	unit = UnitName(unit)
	if !validUnitArg(unit) {
		return errors.NotValidf("unit name %q", unit)
	}
	argv := []string{"systemctl", verb, "--", unit}
	res, err := m.runner.Run(ctx, executor.Args(argv...))
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return execFailure(argv, res)
	}
	return nil
}
