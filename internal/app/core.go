package app

import (
	"context"
	"time"

	"github.com/juju/errors"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/config"
	"servicedeck/internal/eventbus"
	"servicedeck/internal/executor"
	"servicedeck/internal/metrics"
	"servicedeck/internal/service"
	"servicedeck/internal/service/builtin"
	"servicedeck/internal/storage"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

const dbusConnectTimeout = 3 * time.Second

// CoreDeps are the optional sinks the control path reports to.
type CoreDeps struct {
	Log     logx.Logger
	Metrics *metrics.Metrics
	Store   storage.Store
	Bus     eventbus.Bus
	// Source tags audit entries ("api", "cli").
	Source string
}

// Core is the part of the graph every command needs: executor, systemd
// access, the adapter registry and the aggregator over the current catalog.
type Core struct {
	Runner     *executor.ShellRunner
	Discovery  *systemd.Discovery
	Registry   *service.Registry
	Aggregator *aggregate.Aggregator

	dbus *systemd.Bus
	log  logx.Logger
}

// BuildCore wires the core from cfg. D-Bus is tried first when enabled;
// an unreachable bus falls back to systemctl.
func BuildCore(ctx context.Context, cfg *config.Config, deps CoreDeps) (*Core, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	runnerOpts := []executor.Option{
		executor.WithTimeout(cfg.ExecTimeout()),
		executor.WithShell(cfg.Executor.Shell),
		executor.WithLogger(log.Component("executor")),
	}
	if deps.Metrics != nil {
		runnerOpts = append(runnerOpts, executor.WithObserver(deps.Metrics))
	}
	runner := executor.New(runnerOpts...)

	c := &Core{Runner: runner, log: log}

	discOpts := []systemd.Option{
		systemd.WithLogger(log.Component("systemd")),
		systemd.WithMaxParallel(cfg.MaxParallel()),
		systemd.WithJournalLimits(cfg.Journal.DefaultLines, cfg.Journal.MaxLines),
	}
	var units systemd.UnitManager
	if cfg.DBusEnabled() {
		cctx, cancel := context.WithTimeout(ctx, dbusConnectTimeout)
		bus, err := systemd.Connect(cctx)
		cancel()
		if err != nil {
			log.Warn("systemd bus unavailable, using systemctl", logx.Err(err))
		} else {
			bus.SetTimeout(cfg.ExecTimeout())
			c.dbus = bus
			units = bus
			discOpts = append(discOpts, systemd.WithLister(bus))
		}
	}
	c.Discovery = systemd.NewDiscovery(runner, discOpts...)
	c.Registry = builtin.NewRegistry(builtin.Deps{Runner: runner, Units: units, Log: log, Timeout: cfg.ExecTimeout()})

	specs, err := cfg.Specs()
	if err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}
	cat, err := aggregate.BuildCatalog(c.Registry, specs)
	if err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}

	aggOpts := []aggregate.Option{
		aggregate.WithUnits(c.Discovery),
		aggregate.WithLogger(log.Component("aggregate")),
		aggregate.WithMaxParallel(cfg.MaxParallel()),
		aggregate.WithControlHook(auditHook(deps, log)),
	}
	if deps.Metrics != nil {
		aggOpts = append(aggOpts, aggregate.WithObserver(deps.Metrics))
	}
	c.Aggregator = aggregate.New(cat, aggOpts...)
	return c, nil
}

// Rebuild builds a catalog for cfg with the running registry.
func (c *Core) Rebuild(cfg *config.Config) (*aggregate.Catalog, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return aggregate.BuildCatalog(c.Registry, specs)
}

// SetTimeout applies a new per-invocation deadline to the executor and
// the systemd bus.
func (c *Core) SetTimeout(d time.Duration) {
	c.Runner.SetTimeout(d)
	if c.dbus != nil {
		c.dbus.SetTimeout(d)
	}
}

func (c *Core) Close() {
	if c.dbus != nil {
		_ = c.dbus.Close()
		c.dbus = nil
	}
}

// auditHook records each control action in storage and on the bus.
func auditHook(deps CoreDeps, log logx.Logger) aggregate.ControlHook {
	source := deps.Source
	if source == "" {
		source = "api"
	}
	return func(ctx context.Context, rec aggregate.ControlRecord) {
		if deps.Store != nil {
			entry := storage.AuditEntry{
				At:        rec.Started.UTC(),
				RequestID: rec.RequestID,
				Source:    source,
				Service:   rec.Key,
				Action:    string(rec.Action),
				Result:    rec.Result,
				Error:     rec.Error,
				TookMS:    rec.Duration.Milliseconds(),
			}
			// the request may already be canceled; the record still belongs in the log
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := deps.Store.AppendAudit(sctx, entry); err != nil {
				log.Warn("audit entry not stored", logx.String("service", rec.Key), logx.Err(err))
			}
			cancel()
		}
		eventbus.Publish(deps.Bus, eventbus.TypeControl, eventbus.Control{
			RequestID: rec.RequestID,
			Key:       rec.Key,
			Action:    string(rec.Action),
			Result:    rec.Result,
			Error:     rec.Error,
			TookMS:    rec.Duration.Milliseconds(),
		})
	}
}
