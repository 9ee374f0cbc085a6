// Package builtin registers the adapters that ship with servicedeck.
package builtin

import (
	"time"

	"servicedeck/internal/executor"
	"servicedeck/internal/service"
	"servicedeck/internal/service/command"
	"servicedeck/internal/service/process"
	"servicedeck/internal/service/unit"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

// Deps are the shared collaborators adapters are built with.
type Deps struct {
	Runner executor.Runner
	// Units drives the systemd adapter; nil falls back to systemctl via Runner.
	Units     systemd.UnitManager
	Processes process.Source
	Log       logx.Logger
	// Timeout bounds a process listing; 0 means process.DefaultTimeout.
	Timeout time.Duration
}

// Register adds every built-in adapter type to reg.
func Register(reg *service.Registry, deps Deps) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	units := deps.Units
	if units == nil && deps.Runner != nil {
		units = systemd.NewCLIManager(deps.Runner)
	}

	reg.Register(command.TypeName, command.Factory(deps.Runner, log.Component("adapter.command")))
	reg.Register(unit.TypeName, unit.Factory(units, log.Component("adapter.systemd")))
	reg.Register(process.TypeName, process.Factory(deps.Processes, deps.Timeout))
}

// NewRegistry is Register on a fresh registry.
func NewRegistry(deps Deps) *service.Registry {
	reg := service.NewRegistry()
	Register(reg, deps)
	return reg
}
