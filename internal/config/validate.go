package config

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"servicedeck/internal/service"
)

const (
	DefaultAddr         = "0.0.0.0:8000"
	DefaultExecTimeout  = 8 * time.Second
	DefaultMaxParallel  = 8
	DefaultSchedule     = "@every 30s"
	DefaultNATSSubject  = "servicedeck.events"
	DefaultControlRate  = 2.0
	DefaultControlBurst = 4
)

var commandKeys = map[string]bool{"status": true, "start": true, "stop": true, "restart": true}

// Validate checks everything that can be checked without building adapters.
// Errors satisfy service.IsConfigError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return service.ConfigError("config is nil")
	}
	if cfg.Services == nil {
		return service.ConfigError("the configuration must define a 'services' list")
	}
	if _, err := cfg.Specs(); err != nil {
		return err
	}

	if _, err := ParseDurationField("executor.timeout", cfg.Executor.Timeout); err != nil {
		return err
	}
	if cfg.Aggregator.MaxParallel < 0 {
		return service.ConfigError("aggregator.max_parallel must be >= 0")
	}
	if cfg.Journal.DefaultLines < 0 || cfg.Journal.MaxLines < 0 {
		return service.ConfigError("journal limits must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.ServerEnabled() {
		if _, _, err := net.SplitHostPort(cfg.ServerAddr()); err != nil {
			return service.ConfigError("server.addr %q: %v", cfg.Server.Addr, err)
		}
	}

	if cfg.Watch.Enabled {
		if _, err := ParseSchedule(cfg.WatchSchedule()); err != nil {
			return service.ConfigError("watch.schedule %q: %v", cfg.Watch.Schedule, err)
		}
		if tz := strings.TrimSpace(cfg.Watch.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return service.ConfigError("watch.timezone %q: %v", tz, err)
			}
		}
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if n.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
			return service.ConfigError("notifier.enabled requires telegram.token")
		}
		if n.Enabled && cfg.Telegram.ChatID == 0 {
			return service.ConfigError("notifier.enabled requires telegram.chat_id")
		}
	}
	if cfg.Logging.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		return service.ConfigError("logging.telegram.enabled requires telegram.token and telegram.chat_id")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return service.ConfigError("storage.path is required for driver %q", s.Driver)
			}
		default:
			return service.ConfigError("storage.driver %q (known: none, file, sqlite)", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return service.ConfigError("nats.url is required when nats.enabled")
	}
	if cfg.Control.RatePerSec < 0 || cfg.Control.Burst < 0 {
		return service.ConfigError("control rate limits must be >= 0")
	}
	return nil
}

// Specs converts the services list into adapter specs, in order. Commands
// are merged into params; a name defaults to the title-cased key.
func (c *Config) Specs() ([]service.Spec, error) {
	out := make([]service.Spec, 0, len(c.Services))
	seen := make(map[string]struct{}, len(c.Services))
	for i, sc := range c.Services {
		key := strings.TrimSpace(sc.Key)
		if key == "" {
			return nil, service.ConfigError("services[%d]: missing key", i)
		}
		if _, dup := seen[key]; dup {
			return nil, service.ConfigError("services[%d]: duplicate key %q", i, key)
		}
		seen[key] = struct{}{}

		adapter := strings.TrimSpace(sc.Adapter)
		if adapter == "" {
			return nil, service.ConfigError("service %q: missing adapter", key)
		}

		params := make(service.Params, len(sc.Params)+len(sc.Commands))
		for k, v := range sc.Params {
			params[k] = v
		}
		cmdNames := make([]string, 0, len(sc.Commands))
		for k := range sc.Commands {
			cmdNames = append(cmdNames, k)
		}
		sort.Strings(cmdNames)
		for _, op := range cmdNames {
			if !commandKeys[op] {
				return nil, service.ConfigError("service %q: unknown command %q (known: restart, start, status, stop)", key, op)
			}
			line := sc.Commands[op]
			if prev, ok := params[op]; ok && params.String(op) != strings.TrimSpace(line) {
				return nil, service.ConfigError("service %q: %s given in both commands and params (%v)", key, op, prev)
			}
			params[op] = line
		}

		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = service.TitleCase(key)
		}
		out = append(out, service.Spec{
			Key:      key,
			Name:     name,
			Adapter:  adapter,
			Params:   params,
			Metadata: sc.Metadata.Clone(),
		})
	}
	return out, nil
}

// ParseSchedule accepts standard 5-field cron specs, descriptors such as
// "@every 30s" or "@hourly", and bare durations ("45s" means "@every 45s").
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s != "" && !strings.HasPrefix(s, "@") && !strings.ContainsAny(s, " \t") {
		if d, err := time.ParseDuration(s); err == nil {
			if d <= 0 {
				return nil, service.ConfigError("interval must be > 0")
			}
			return cron.Every(d), nil
		}
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return p.Parse(s)
}

func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

func (c *Config) ServerAddr() string {
	if a := strings.TrimSpace(c.Server.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

func (c *Config) ExecTimeout() time.Duration {
	d, err := ParseDurationOrDefault("executor.timeout", c.Executor.Timeout, DefaultExecTimeout)
	if err != nil {
		return DefaultExecTimeout
	}
	return d
}

func (c *Config) MaxParallel() int {
	if c.Aggregator.MaxParallel > 0 {
		return c.Aggregator.MaxParallel
	}
	return DefaultMaxParallel
}

func (c *Config) DBusEnabled() bool {
	return c.Systemd.DBus == nil || *c.Systemd.DBus
}

func (c *Config) WatchSchedule() string {
	if s := strings.TrimSpace(c.Watch.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func (c *Config) ControlEnabled() bool {
	return c.Control.Enabled == nil || *c.Control.Enabled
}

// ControlLimit returns the per-second rate and burst for control actions.
func (c *Config) ControlLimit() (float64, int) {
	r, b := c.Control.RatePerSec, c.Control.Burst
	if r <= 0 {
		r = DefaultControlRate
	}
	if b <= 0 {
		b = DefaultControlBurst
	}
	return r, b
}

func (c *Config) NATSSubject() string {
	if s := strings.TrimSpace(c.NATS.Subject); s != "" {
		return s
	}
	return DefaultNATSSubject
}

func (c *Config) StorageDriver() string {
	if c.Storage == nil {
		return "none"
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return "none"
	}
	return d
}
