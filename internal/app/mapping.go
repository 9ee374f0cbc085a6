package app

import (
	"strings"
	"time"

	"servicedeck/internal/api"
	"servicedeck/internal/config"
	"servicedeck/internal/natspub"
	"servicedeck/internal/notifier"
	"servicedeck/internal/storage"
	"servicedeck/internal/transport"
	"servicedeck/internal/watch"
	logx "servicedeck/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.StorageDriver() == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      cfg.StorageDriver(),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
	}, nil
}

func notifyTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	var out api.Config
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout, &out.ReadTimeout, 30 * time.Second},
		{"server.write_timeout", cfg.Server.WriteTimeout, &out.WriteTimeout, 60 * time.Second},
		{"server.idle_timeout", cfg.Server.IdleTimeout, &out.IdleTimeout, 2 * time.Minute},
	} {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return api.Config{}, err
		}
		*f.dst = d
	}
	rate, burst := cfg.ControlLimit()
	out.Addr = cfg.ServerAddr()
	out.Token = strings.TrimSpace(cfg.Server.Token)
	out.AllowInsecure = cfg.Server.AllowInsecure
	out.Pprof = cfg.Server.Pprof
	out.Metrics = cfg.Metrics.Enabled
	out.ControlEnabled = cfg.ControlEnabled()
	out.ControlRate = rate
	out.ControlBurst = burst
	return out, nil
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	sched, err := config.ParseSchedule(cfg.WatchSchedule())
	if err != nil {
		return watch.Config{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Watch.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return watch.Config{}, err
		}
	}
	return watch.Config{Schedule: sched, Location: loc, Units: cfg.Watch.Units}, nil
}

func mapNATSConfig(cfg *config.Config) natspub.Config {
	return natspub.Config{URL: cfg.NATS.URL, Subject: cfg.NATSSubject(), Name: cfg.NATS.Name}
}
