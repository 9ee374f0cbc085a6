package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Status is the normalized health of a service or unit.
type Status string

const (
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusStarting Status = "starting"
	StatusUnknown  Status = "unknown"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusError, StatusStarting, StatusUnknown:
		return true
	}
	return false
}

// State is a point-in-time observation produced by an adapter.
type State struct {
	Status  Status  `json:"status"`
	Details Details `json:"details"`
}

// Normalize maps anything outside the four statuses to unknown.
func (s State) Normalize() State {
	if !s.Status.Valid() {
		s.Status = StatusUnknown
	}
	return s
}

// Unknown builds an unknown state carrying a human-readable message.
func Unknown(message string) State {
	var d Details
	d.SetString("message", message)
	return State{Status: StatusUnknown, Details: d}
}

// Action is a lifecycle operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionStart:
		return ActionStart, true
	case ActionStop:
		return ActionStop, true
	case ActionRestart:
		return ActionRestart, true
	}
	return "", false
}

// Adapter bridges one configured service to its backend.
//
// FetchState never fails: backend trouble is reported as error or unknown
// with details. Lifecycle methods return an IsUnsupported error when the
// adapter has no way to perform them.
type Adapter interface {
	FetchState(ctx context.Context) State
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// Do dispatches an Action to the matching lifecycle method.
func Do(ctx context.Context, a Adapter, action Action) error {
	switch action {
	case ActionStart:
		return a.Start(ctx)
	case ActionStop:
		return a.Stop(ctx)
	case ActionRestart:
		return a.Restart(ctx)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// Spec is the immutable description of one configured service.
type Spec struct {
	Key      string
	Name     string
	Adapter  string
	Params   Params
	Metadata Details
}

// DisplayName returns Name, or the key title-cased when Name is empty.
func (s Spec) DisplayName() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return TitleCase(s.Key)
}

// TitleCase upper-cases every letter that follows a non-letter and
// lower-cases the rest ("my-svc" -> "My-Svc").
func TitleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		b.WriteRune(r)
	}
	return b.String()
}

// Params is the opaque adapter-specific parameter bag of a Spec.
type Params map[string]any

func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return def, fmt.Errorf("param %q: %w", key, err)
		}
		return b, nil
	default:
		return def, fmt.Errorf("param %q: expected bool, got %T", key, v)
	}
}

func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	raw := p.String(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("param %q: %w", key, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Constructor builds an adapter for a spec. Dependencies (executor, bus
// connections, loggers) are captured by the closure at registration time.
type Constructor func(spec Spec) (Adapter, error)

// Registry maps adapter type names to constructors.
// It is populated once during startup and read afterwards.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Register binds typeName to c. Registering a name twice replaces the
// earlier constructor.
func (r *Registry) Register(typeName string, c Constructor) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" || c == nil {
		return
	}
	r.mu.Lock()
	r.ctors[typeName] = c
	r.mu.Unlock()
}

// Create builds the adapter for spec.
func (r *Registry) Create(spec Spec) (Adapter, error) {
	r.mu.RLock()
	c, ok := r.ctors[strings.TrimSpace(spec.Adapter)]
	r.mu.RUnlock()
	if !ok {
		return nil, ConfigError("adapter type %q for service %q (known: %s)", spec.Adapter, spec.Key, strings.Join(r.Types(), ", "))
	}
	a, err := c(spec)
	if err != nil {
		if IsConfigError(err) {
			return nil, err
		}
		return nil, ConfigError("service %q: %v", spec.Key, err)
	}
	if a == nil {
		return nil, ConfigError("service %q: adapter %q returned nothing", spec.Key, spec.Adapter)
	}
	return a, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
