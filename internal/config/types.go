package config

import (
	"servicedeck/internal/service"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Executor   ExecutorConfig   `json:"executor"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Systemd    SystemdConfig    `json:"systemd"`
	Journal    JournalConfig    `json:"journal"`
	Watch      WatchConfig      `json:"watch"`
	Telegram   TelegramConfig   `json:"telegram"`
	NATS       NATSConfig       `json:"nats"`
	Metrics    MetricsConfig    `json:"metrics"`
	Control    ControlConfig    `json:"control"`

	// Notifier and Storage are disabled when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Services is required; an explicit empty list is allowed.
	Services []ServiceConfig `json:"services"`
}

// ServerConfig controls the HTTP API.
//
// Security note:
//   - The token is an operational guard, not an auth system.
//   - A non-loopback Addr without a token is refused unless AllowInsecure.
type ServerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"` // default: true
	Addr          string `json:"addr,omitempty"`    // default: "0.0.0.0:8000"
	Token         string `json:"token,omitempty"`   // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ on the API router.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ExecutorConfig bounds every external command.
type ExecutorConfig struct {
	Timeout string `json:"timeout,omitempty"` // default: "8s"
	Shell   string `json:"shell,omitempty"`   // default: "/bin/sh"
}

type AggregatorConfig struct {
	MaxParallel int `json:"max_parallel,omitempty"` // default: 8
}

type SystemdConfig struct {
	// DBus talks to the service manager over the system bus, falling back to
	// systemctl when the bus is unreachable. Default: true.
	DBus *bool `json:"dbus,omitempty"`
}

type JournalConfig struct {
	DefaultLines int `json:"default_lines,omitempty"` // default: 200
	MaxLines     int `json:"max_lines,omitempty"`     // default: 1000
}

// WatchConfig drives periodic merged status checks that emit transition events.
type WatchConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule,omitempty"` // cron spec or "@every 30s"
	Units    []string `json:"units,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
}

// NotifierConfig controls status-change notifications.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./servicedeck.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"` // default: "servicedeck.events"
	Name    string `json:"name,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

type ControlConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`      // default: true
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default: 2
	Burst      int     `json:"burst,omitempty"`        // default: 4
}

// ServiceConfig is one entry of the services list.
type ServiceConfig struct {
	Key      string            `json:"key"`
	Name     string            `json:"name,omitempty"`
	Adapter  string            `json:"adapter"`
	Commands map[string]string `json:"commands,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
	Metadata service.Details   `json:"metadata"`
}
