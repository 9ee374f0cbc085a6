// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"servicedeck/internal/executor"
	"servicedeck/internal/service"
)

// Reply is the scripted outcome of one command.
type Reply struct {
	ExitCode int
	Output   string
	Err      error
	// Block makes Run wait for context cancellation and report a timeout.
	Block bool
}

// Fake answers commands by exact command string, falling back to prefix
// matches and finally to Default.
type Fake struct {
	mu       sync.Mutex
	replies  map[string]Reply
	prefixes []prefixReply
	Default  Reply
	calls    []string
}

type prefixReply struct {
	prefix string
	reply  Reply
}

func New() *Fake { return &Fake{replies: map[string]Reply{}, Default: Reply{ExitCode: 127, Output: "command not found"}} }

// On scripts the reply for an exact command string.
func (f *Fake) On(cmd string, r Reply) *Fake {
	f.mu.Lock()
	f.replies[cmd] = r
	f.mu.Unlock()
	return f
}

// OnPrefix scripts the reply for any command starting with prefix.
func (f *Fake) OnPrefix(prefix string, r Reply) *Fake {
	f.mu.Lock()
	f.prefixes = append(f.prefixes, prefixReply{prefix: prefix, reply: r})
	f.mu.Unlock()
	return f
}

// Calls returns the command strings seen so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	key := cmd.String()
	f.mu.Lock()
	f.calls = append(f.calls, key)
	r, ok := f.replies[key]
	if !ok {
		r = f.Default
		for _, p := range f.prefixes {
			if strings.HasPrefix(key, p.prefix) {
				r = p.reply
				break
			}
		}
	}
	f.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return executor.Result{ExitCode: -1}, &service.ExecError{Command: key, ExitCode: -1, TimedOut: true}
	}
	if r.Err != nil {
		return executor.Result{ExitCode: -1, Output: r.Output}, &service.ExecError{Command: key, ExitCode: -1, Output: r.Output, Err: r.Err}
	}
	return executor.Result{ExitCode: r.ExitCode, Output: r.Output}, nil
}
