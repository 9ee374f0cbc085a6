// Package command implements the "command" adapter: a service whose status
// and lifecycle are driven by configured shell commands.
package command

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	"servicedeck/internal/executor"
	"servicedeck/internal/service"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

const TypeName = "command"

// Adapter runs one configured command per operation.
type Adapter struct {
	key    string
	cmds   map[string]executor.Command
	runner executor.Runner
	log    logx.Logger
}

// Factory returns a registry constructor bound to runner.
func Factory(runner executor.Runner, log logx.Logger) service.Constructor {
	return func(spec service.Spec) (service.Adapter, error) {
		return New(spec, runner, log)
	}
}

// New validates spec params and builds the adapter.
//
// Params: status, start, stop, restart (command lines); shell (bool,
// default true; false splits lines into argv); timeout (duration).
func New(spec service.Spec, runner executor.Runner, log logx.Logger) (*Adapter, error) {
	if runner == nil {
		return nil, service.ConfigError("command adapter for %q has no executor", spec.Key)
	}
	useShell, err := spec.Params.Bool("shell", true)
	if err != nil {
		return nil, service.ConfigError("service %q: %v", spec.Key, err)
	}
	timeout, err := spec.Params.Duration("timeout", 0)
	if err != nil {
		return nil, service.ConfigError("service %q: %v", spec.Key, err)
	}

	a := &Adapter{
		key:    spec.Key,
		cmds:   map[string]executor.Command{},
		runner: runner,
		log:    log.With(logx.String("service", spec.Key)),
	}
	for _, op := range []string{"status", "start", "stop", "restart"} {
		line := spec.Params.String(op)
		if line == "" {
			continue
		}
		cmd := executor.Shell(line)
		if !useShell {
			if cmd, err = executor.Split(line); err != nil {
				return nil, service.ConfigError("service %q: %s command: %v", spec.Key, op, err)
			}
		}
		cmd.Timeout = timeout
		a.cmds[op] = cmd
	}
	return a, nil
}

func (a *Adapter) FetchState(ctx context.Context) service.State {
	cmd, ok := a.cmds["status"]
	if !ok {
		return service.Unknown("no status command configured")
	}

	res, err := a.runner.Run(ctx, cmd)
	var d service.Details
	if err != nil {
		d.SetString("error", err.Error())
		if service.IsTimeout(err) {
			d.SetBool("timed_out", true)
		}
		if out := strings.TrimSpace(res.Output); out != "" {
			d.SetString("output", out)
		}
		a.log.Debug("status command failed", logx.Err(err))
		return service.State{Status: service.StatusError, Details: d}
	}

	st := service.StatusOK
	if res.ExitCode != 0 {
		st = service.StatusError
		d.SetInt("returncode", int64(res.ExitCode))
	}
	d.SetString("output", strings.TrimSpace(res.Output))
	if summary := systemd.ParseStatusSummary(res.Output); summary.Len() > 0 {
		d.Set("systemctl", service.Nested(summary))
		// Refine, never downgrade: a zero exit stays ok unless the report
		// says the unit is still coming up.
		if st == service.StatusOK && systemd.StatusFromActive(systemd.ActiveValue(summary)) == service.StatusStarting {
			st = service.StatusStarting
		}
	}
	return service.State{Status: st, Details: d}
}

func (a *Adapter) Start(ctx context.Context) error {
	return a.run(ctx, service.ActionStart)
}

func (a *Adapter) Stop(ctx context.Context) error {
	return a.run(ctx, service.ActionStop)
}

// Restart runs the restart command, or stop followed by start when only
// those are configured.
func (a *Adapter) Restart(ctx context.Context) error {
	if _, ok := a.cmds[string(service.ActionRestart)]; ok {
		return a.run(ctx, service.ActionRestart)
	}
	_, hasStop := a.cmds[string(service.ActionStop)]
	_, hasStart := a.cmds[string(service.ActionStart)]
	if !hasStop || !hasStart {
		return service.Unsupported(service.ActionRestart, a.key)
	}
	if err := a.run(ctx, service.ActionStop); err != nil {
		return errors.Annotate(err, "restart: stop")
	}
	return errors.Annotate(a.run(ctx, service.ActionStart), "restart: start")
}

func (a *Adapter) run(ctx context.Context, action service.Action) error {
	cmd, ok := a.cmds[string(action)]
	if !ok {
		return service.Unsupported(action, a.key)
	}
	start := time.Now()
	res, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return &service.ExecError{Command: cmd.String(), ExitCode: res.ExitCode, Output: res.Output}
	}
	a.log.Info("lifecycle command finished", logx.String("action", string(action)), logx.Duration("took", time.Since(start)))
	return nil
}
