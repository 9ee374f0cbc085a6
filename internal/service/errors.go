package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"
)

// ConfigError reports malformed configuration: unknown adapter types,
// missing required params, duplicate keys. It fails a load, never a query.
func ConfigError(format string, args ...any) error {
	return errors.NotValidf(format, args...)
}

func IsConfigError(err error) bool { return errors.Is(err, errors.NotValid) }

// NotFound reports an unknown service key.
func NotFound(key string) error {
	return errors.NotFoundf("service %q", key)
}

func IsNotFound(err error) bool { return errors.Is(err, errors.NotFound) }

// Unsupported reports a lifecycle action the adapter does not define.
// It is distinct from a failed execution.
func Unsupported(action Action, key string) error {
	return errors.NotSupportedf("%s for service %q", action, key)
}

func IsUnsupported(err error) bool { return errors.Is(err, errors.NotSupported) }

// ExecError describes an external invocation that failed: it could not
// start, timed out, or exited nonzero where success was required.
type ExecError struct {
	Command  string
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	b.WriteString("exec ")
	b.WriteString(fmt.Sprintf("%q", e.Command))
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(fmt.Sprintf(": exit code %d", e.ExitCode))
	}
	if out := lastLine(e.Output); out != "" {
		b.WriteString(": ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	if e.TimedOut && e.Err == nil {
		return errors.Timeoutf("%s", e.Command)
	}
	return e.Err
}

func IsExecFailure(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

// IsTimeout reports whether err came from an invocation that ran out of time.
func IsTimeout(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) && ee.TimedOut {
		return true
	}
	return errors.Is(err, errors.Timeout)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	if utf8.RuneCountInString(s) > 200 {
		s = string([]rune(s)[:197]) + "..."
	}
	return s
}
