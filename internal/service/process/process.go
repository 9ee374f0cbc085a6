// Package process implements the "process" adapter: a service considered
// healthy while matching processes exist on the host.
package process

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"servicedeck/internal/service"
)

const (
	TypeName = "process"

	DefaultTimeout = 8 * time.Second
)

// Info is the subset of process attributes the adapter matches on.
type Info struct {
	PID     int32
	Name    string
	Cmdline string
	RSS     uint64
	CPU     float64
}

// Source enumerates processes.
type Source func(ctx context.Context) ([]Info, error)

// Adapter reports ok while at least min processes match.
type Adapter struct {
	key     string
	name    string
	cmdline string
	pidfile string
	min     int
	source  Source
	timeout time.Duration
}

// Factory builds adapters over src. timeout bounds one listing; values
// <= 0 mean DefaultTimeout.
func Factory(src Source, timeout time.Duration) service.Constructor {
	if src == nil {
		src = HostProcesses
	}
	return func(spec service.Spec) (service.Adapter, error) {
		a, err := New(spec, src)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			a.timeout = timeout
		}
		return a, nil
	}
}

// New reads params: name (exact process name), cmdline (substring of the
// command line), pidfile, min (minimum match count, default 1). At least
// one matcher is required.
func New(spec service.Spec, src Source) (*Adapter, error) {
	a := &Adapter{
		key:     spec.Key,
		name:    spec.Params.String("name"),
		cmdline: spec.Params.String("cmdline"),
		pidfile: spec.Params.String("pidfile"),
		min:     1,
		source:  src,
		timeout: DefaultTimeout,
	}
	if a.name == "" && a.cmdline == "" && a.pidfile == "" {
		return nil, service.ConfigError("service %q: process adapter needs params.name, params.cmdline or params.pidfile", spec.Key)
	}
	if raw := spec.Params.String("min"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, service.ConfigError("service %q: params.min must be a positive integer", spec.Key)
		}
		a.min = n
	}
	if a.source == nil {
		a.source = HostProcesses
	}
	return a, nil
}

func (a *Adapter) FetchState(ctx context.Context) service.State {
	var d service.Details

	wantPID := int32(0)
	if a.pidfile != "" {
		pid, err := readPIDFile(a.pidfile)
		if err != nil {
			d.SetString("error", err.Error())
			return service.State{Status: service.StatusError, Details: d}
		}
		wantPID = pid
	}

	procs, err := a.list(ctx)
	if err != nil {
		d.SetString("error", err.Error())
		if service.IsTimeout(err) {
			d.SetBool("timed_out", true)
		}
		return service.State{Status: service.StatusUnknown, Details: d}
	}

	var (
		pids []string
		rss  uint64
		cpu  float64
	)
	for _, p := range procs {
		if !a.matches(p, wantPID) {
			continue
		}
		pids = append(pids, strconv.Itoa(int(p.PID)))
		rss += p.RSS
		cpu += p.CPU
	}
	sort.Slice(pids, func(i, j int) bool {
		x, _ := strconv.Atoi(pids[i])
		y, _ := strconv.Atoi(pids[j])
		return x < y
	})

	d.SetInt("matched", int64(len(pids)))
	if len(pids) > 0 {
		d.Set("pids", service.StringsValue(pids))
		d.SetString("rss", humanize.IBytes(rss))
		d.SetString("cpu", strconv.FormatFloat(cpu, 'f', 1, 64)+"%")
	}
	if len(pids) < a.min {
		d.SetString("message", "expected at least "+strconv.Itoa(a.min)+" matching process(es)")
		return service.State{Status: service.StatusError, Details: d}
	}
	return service.State{Status: service.StatusOK, Details: d}
}

// list runs the source under the adapter deadline. A source that ignores
// its context is abandoned once the deadline passes.
func (a *Adapter) list(ctx context.Context) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type listing struct {
		procs []Info
		err   error
	}
	ch := make(chan listing, 1)
	go func() {
		procs, err := a.source(ctx)
		ch <- listing{procs, err}
	}()
	select {
	case l := <-ch:
		if l.err != nil && ctx.Err() == nil {
			return nil, l.err
		}
		if l.err == nil {
			return l.procs, nil
		}
	case <-ctx.Done():
	}
	return nil, &service.ExecError{
		Command:  "list processes",
		ExitCode: -1,
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      ctx.Err(),
	}
}

func (a *Adapter) matches(p Info, pid int32) bool {
	if pid != 0 && p.PID != pid {
		return false
	}
	if a.name != "" && p.Name != a.name {
		return false
	}
	if a.cmdline != "" && !strings.Contains(p.Cmdline, a.cmdline) {
		return false
	}
	return true
}

func (a *Adapter) Start(context.Context) error {
	return service.Unsupported(service.ActionStart, a.key)
}

func (a *Adapter) Stop(context.Context) error {
	return service.Unsupported(service.ActionStop, a.key)
}

func (a *Adapter) Restart(context.Context) error {
	return service.Unsupported(service.ActionRestart, a.key)
}

func readPIDFile(path string) (int32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil || n <= 0 {
		return 0, &os.PathError{Op: "parse pid", Path: path, Err: os.ErrInvalid}
	}
	return int32(n), nil
}

// HostProcesses lists local processes via gopsutil. Processes that vanish
// or deny access while being inspected are skipped.
func HostProcesses(ctx context.Context) ([]Info, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := Info{PID: p.Pid, Name: name}
		if cl, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = cl
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			info.RSS = mi.RSS
		}
		if c, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPU = c
		}
		out = append(out, info)
	}
	return out, nil
}
