// Package systemd discovers service units, reports per-unit state, tails
// the journal and talks to the service manager over D-Bus or systemctl.
package systemd

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"servicedeck/internal/executor"
	"servicedeck/internal/service"
	logx "servicedeck/pkg/logx"
)

const defaultMaxParallel = 8

// UnitLister enumerates service units without going through systemctl.
type UnitLister interface {
	ListServiceUnits(ctx context.Context) ([]Unit, error)
}

// UnitState is the reduced status of one ad-hoc unit query.
type UnitState struct {
	Unit    string          `json:"unit"`
	Status  service.Status  `json:"status"`
	Details service.Details `json:"details"`
}

type Option func(*Discovery)

// WithLister makes ListUnits use l (usually a D-Bus connection) before
// falling back to systemctl.
func WithLister(l UnitLister) Option { return func(d *Discovery) { d.lister = l } }

func WithLogger(log logx.Logger) Option { return func(d *Discovery) { d.log = log } }

func WithMaxParallel(n int) Option {
	return func(d *Discovery) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

func WithJournalLimits(def, max int) Option {
	return func(d *Discovery) {
		if max > 0 {
			d.journalMax = max
		}
		if def > 0 {
			d.journalDefault = def
		}
	}
}

// Discovery answers host-wide questions about systemd units.
type Discovery struct {
	runner      executor.Runner
	lister      UnitLister
	log         logx.Logger
	maxParallel int

	journalDefault int
	journalMax     int
}

func NewDiscovery(runner executor.Runner, opts ...Option) *Discovery {
	d := &Discovery{
		runner:         runner,
		log:            logx.Nop(),
		maxParallel:    defaultMaxParallel,
		journalDefault: DefaultJournalLines,
		journalMax:     MaxJournalLines,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// ListUnits returns every service unit the manager knows about, loaded or not.
func (d *Discovery) ListUnits(ctx context.Context) ([]Unit, error) {
	if d.lister != nil {
		units, err := d.lister.ListServiceUnits(ctx)
		if err == nil {
			return units, nil
		}
		d.log.Warn("unit listing over dbus failed; falling back to systemctl", logx.Err(err))
	}
	return d.listUnitsCLI(ctx)
}

// StatesForUnits queries each distinct, non-empty name and returns one entry
// per name in input order. A failing unit never aborts the batch.
func (d *Discovery) StatesForUnits(ctx context.Context, names []string) []UnitState {
	seen := make(map[string]struct{}, len(names))
	units := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		units = append(units, n)
	}

	out := make([]UnitState, len(units))
	g := new(errgroup.Group)
	g.SetLimit(d.maxParallel)
	for i, unit := range units {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("unit status panicked", logx.String("unit", unit), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					var det service.Details
					det.SetString("error", fmt.Sprintf("panic: %v", r))
					out[i] = UnitState{Unit: unit, Status: service.StatusError, Details: det}
				}
			}()
			out[i] = d.unitState(ctx, unit)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Discovery) unitState(ctx context.Context, unit string) UnitState {
	if !validUnitArg(unit) {
		var det service.Details
		det.SetString("reason", "invalid-name")
		return UnitState{Unit: unit, Status: service.StatusUnknown, Details: det}
	}
	start := time.Now()
	res, err := d.runner.Run(ctx, executor.Args("systemctl", "status", "--no-pager", "--", unit))
	st := ReduceStatusOutput(unit, res, err)
	d.log.Trace("unit status", logx.String("unit", unit), logx.String("status", string(st.Status)), logx.Duration("took", time.Since(start)))
	return st
}

// systemctl status exit code for units it has never heard of.
const exitNoSuchUnit = 4

// ReduceStatusOutput turns one `systemctl status` invocation into a UnitState.
func ReduceStatusOutput(unit string, res executor.Result, err error) UnitState {
	var det service.Details
	if err != nil {
		det.SetString("error", err.Error())
		if service.IsTimeout(err) {
			det.SetBool("timed_out", true)
		}
		return UnitState{Unit: unit, Status: service.StatusUnknown, Details: det}
	}

	summary := ParseStatusSummary(res.Output)
	det.SetString("output", strings.TrimSpace(res.Output))
	det.SetInt("returncode", int64(res.ExitCode))
	det.Set("systemctl", service.Nested(summary))

	if notFound(res, summary) {
		det.SetString("reason", "not-found")
		return UnitState{Unit: unit, Status: service.StatusUnknown, Details: det}
	}
	active := ActiveValue(summary)
	if active == "" {
		return UnitState{Unit: unit, Status: service.StatusUnknown, Details: det}
	}
	return UnitState{Unit: unit, Status: StatusFromActive(active), Details: det}
}

func notFound(res executor.Result, summary service.Details) bool {
	if strings.HasPrefix(LoadedValue(summary), "not-found") {
		return true
	}
	out := strings.ToLower(res.Output)
	if strings.Contains(out, "could not be found") || strings.Contains(out, "not be found.") {
		return true
	}
	return res.ExitCode == exitNoSuchUnit && !summary.Has("active")
}

func execFailure(argv []string, res executor.Result) error {
	return &service.ExecError{
		Command:  strings.Join(argv, " "),
		ExitCode: res.ExitCode,
		Output:   res.Output,
	}
}
