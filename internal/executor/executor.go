// Package executor runs external commands (shell lines or argv) with an
// enforced deadline and captures their combined output.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"

	"servicedeck/internal/service"
	logx "servicedeck/pkg/logx"
)

const (
	DefaultTimeout = 8 * time.Second
	DefaultShell   = "/bin/sh"

	// waitDelay bounds how long Wait keeps draining pipes after the process
	// was killed; grandchildren of sh -c may hold them open.
	waitDelay = time.Second

	maxOutputBytes = 256 << 10
)

// Command is either a shell line (Line) or an argv vector (Argv).
type Command struct {
	Line    string
	Argv    []string
	Timeout time.Duration // 0 uses the runner default
}

// Shell builds a Command for a shell line.
func Shell(line string) Command { return Command{Line: line} }

// Args builds a Command that is executed without a shell.
func Args(argv ...string) Command { return Command{Argv: argv} }

// Split turns a shell line into argv using POSIX quoting rules.
func Split(line string) (Command, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return Command{}, errors.Annotatef(err, "split %q", line)
	}
	if len(argv) == 0 {
		return Command{}, errors.NotValidf("empty command")
	}
	return Command{Argv: argv}, nil
}

func (c Command) String() string {
	if len(c.Argv) > 0 {
		return shellquote.Join(c.Argv...)
	}
	return c.Line
}

// Result is the outcome of a command that ran to completion.
// A nonzero ExitCode is not an error at this level.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes commands. Run returns a *service.ExecError when the command
// could not be started or did not finish in time.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Observer receives one call per finished invocation.
type Observer interface {
	ObserveExec(kind string, exitCode int, timedOut bool, d time.Duration)
}

type Option func(*ShellRunner)

func WithShell(shell string) Option {
	return func(r *ShellRunner) {
		if s := strings.TrimSpace(shell); s != "" {
			r.shell = s
		}
	}
}

func WithTimeout(d time.Duration) Option { return func(r *ShellRunner) { r.SetTimeout(d) } }

func WithLogger(log logx.Logger) Option { return func(r *ShellRunner) { r.log = log } }

func WithObserver(o Observer) Option { return func(r *ShellRunner) { r.obs = o } }

// ShellRunner runs commands on the local host.
type ShellRunner struct {
	shell   string
	timeout atomic.Int64
	log     logx.Logger
	obs     Observer
}

func New(opts ...Option) *ShellRunner {
	r := &ShellRunner{shell: DefaultShell, log: logx.Nop()}
	r.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// SetTimeout changes the default deadline; values <= 0 restore DefaultTimeout.
func (r *ShellRunner) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.timeout.Store(int64(d))
}

func (r *ShellRunner) Timeout() time.Duration { return time.Duration(r.timeout.Load()) }

func (r *ShellRunner) Run(ctx context.Context, c Command) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	kind := "shell"
	var argv []string
	switch {
	case len(c.Argv) > 0:
		kind = "argv"
		argv = c.Argv
	case strings.TrimSpace(c.Line) != "":
		argv = []string{r.shell, "-c", c.Line}
	default:
		return Result{ExitCode: -1}, &service.ExecError{Command: "", ExitCode: -1, Err: errors.NotValidf("empty command")}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.Timeout()
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, argv[0], argv[1:]...)
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	w := &cappedWriter{buf: &out, max: maxOutputBytes}
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	res := Result{ExitCode: 0, Output: out.String(), Duration: took}
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	defer func() {
		if r.obs != nil {
			r.obs.ObserveExec(kind, res.ExitCode, timedOut, took)
		}
	}()

	if timedOut {
		res.ExitCode = -1
		r.log.Debug("command timed out", logx.String("cmd", c.String()), logx.Duration("timeout", timeout))
		return res, &service.ExecError{Command: c.String(), ExitCode: -1, Output: res.Output, TimedOut: true}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode >= 0 {
				return res, nil
			}
		}
		res.ExitCode = -1
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, &service.ExecError{Command: c.String(), ExitCode: -1, Output: res.Output, Err: err}
	}
	return res, nil
}

// cappedWriter keeps at most max bytes and silently discards the rest.
type cappedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
