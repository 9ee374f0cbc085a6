// Package unit implements the "systemd" adapter: a service backed by one
// systemd unit, inspected and driven through a systemd.UnitManager.
package unit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"servicedeck/internal/service"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

const TypeName = "systemd"

type Adapter struct {
	key     string
	unit    string
	manager systemd.UnitManager
	control bool
	log     logx.Logger
}

func Factory(manager systemd.UnitManager, log logx.Logger) service.Constructor {
	return func(spec service.Spec) (service.Adapter, error) {
		return New(spec, manager, log)
	}
}

// New reads params: unit (required), control (bool, default true; false
// makes lifecycle actions unsupported).
func New(spec service.Spec, manager systemd.UnitManager, log logx.Logger) (*Adapter, error) {
	name := systemd.UnitName(spec.Params.String("unit"))
	if name == "" {
		name = systemd.UnitName(spec.Metadata.GetString("unit"))
	}
	if name == "" {
		return nil, service.ConfigError("service %q: systemd adapter requires params.unit", spec.Key)
	}
	if manager == nil {
		return nil, service.ConfigError("service %q: no systemd manager available", spec.Key)
	}
	control, err := spec.Params.Bool("control", true)
	if err != nil {
		return nil, service.ConfigError("service %q: %v", spec.Key, err)
	}
	return &Adapter{
		key:     spec.Key,
		unit:    name,
		manager: manager,
		control: control,
		log:     log.With(logx.String("service", spec.Key), logx.String("unit", name)),
	}, nil
}

// Unit is the resolved unit name.
func (a *Adapter) Unit() string { return a.unit }

func (a *Adapter) FetchState(ctx context.Context) service.State {
	st, err := a.manager.UnitStatus(ctx, a.unit)
	var d service.Details
	d.SetString("unit", a.unit)
	if err != nil {
		d.SetString("error", err.Error())
		if service.IsTimeout(err) {
			d.SetBool("timed_out", true)
		}
		return service.State{Status: service.StatusUnknown, Details: d}
	}
	if st.NotFound() {
		d.SetString("reason", "not-found")
		return service.State{Status: service.StatusUnknown, Details: d}
	}

	d.SetString("load", st.LoadState)
	d.SetString("active", st.ActiveState)
	d.SetString("sub", st.SubState)
	if st.Description != "" {
		d.SetString("description", st.Description)
	}
	if st.MainPID > 0 {
		d.SetInt("main_pid", int64(st.MainPID))
	}
	if st.Memory > 0 {
		d.SetString("memory", humanize.IBytes(st.Memory))
	}
	if st.Tasks > 0 {
		d.SetInt("tasks", int64(st.Tasks))
	}
	if st.CPU > 0 {
		d.SetString("cpu", st.CPU.Round(time.Millisecond).String())
	}
	if !st.ActiveSince.IsZero() {
		d.SetString("since", st.ActiveSince.UTC().Format(time.RFC3339))
		if st.ActiveState == "active" {
			d.SetString("uptime", strings.TrimSpace(humanize.RelTime(st.ActiveSince, time.Now(), "", "")))
		}
	}
	d.Set("systemctl", service.Nested(summaryOf(st)))

	return service.State{Status: systemd.StatusFromActive(st.ActiveState), Details: d}
}

// summaryOf renders the properties in the same shape ParseStatusSummary
// produces from `systemctl status`, so consumers see one format.
func summaryOf(st systemd.UnitStatus) service.Details {
	var s service.Details
	s.SetString("loaded", "Loaded: "+st.LoadState)
	active := "Active: " + st.ActiveState
	if st.SubState != "" {
		active += " (" + st.SubState + ")"
	}
	s.SetString("active", active)
	if st.MainPID > 0 {
		s.SetString("main_pid", "Main PID: "+strconv.FormatUint(uint64(st.MainPID), 10))
	}
	if st.Tasks > 0 {
		s.SetString("tasks", "Tasks: "+strconv.FormatUint(st.Tasks, 10))
	}
	if st.Memory > 0 {
		s.SetString("memory", "Memory: "+humanize.IBytes(st.Memory))
	}
	if st.CPU > 0 {
		s.SetString("cpu", "CPU: "+st.CPU.Round(time.Millisecond).String())
	}
	return s
}

func (a *Adapter) Start(ctx context.Context) error {
	return a.do(ctx, service.ActionStart, a.manager.StartUnit)
}

func (a *Adapter) Stop(ctx context.Context) error {
	return a.do(ctx, service.ActionStop, a.manager.StopUnit)
}

func (a *Adapter) Restart(ctx context.Context) error {
	return a.do(ctx, service.ActionRestart, a.manager.RestartUnit)
}

func (a *Adapter) do(ctx context.Context, action service.Action, fn func(context.Context, string) error) error {
	if !a.control {
		return service.Unsupported(action, a.key)
	}
	if err := fn(ctx, a.unit); err != nil {
		return errors.Trace(err)
	}
	a.log.Info("unit job finished", logx.String("action", string(action)))
	return nil
}
