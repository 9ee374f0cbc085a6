package config

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	logx "servicedeck/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never tokens) and (3) the keys of
// services that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg.Server, newCfg.Server
	o.Token, n.Token = tokenMark(o.Token), tokenMark(n.Token)
	section("server", !reflect.DeepEqual(o, n),
		logx.Bool("server.enabled", newCfg.ServerEnabled()),
		logx.String("server.addr", newCfg.ServerAddr()),
		logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
		logx.Bool("server.pprof", newCfg.Server.Pprof),
	)
	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)
	section("executor", !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor),
		logx.Duration("executor.timeout", newCfg.ExecTimeout()),
	)
	section("aggregator", oldCfg.Aggregator != newCfg.Aggregator,
		logx.Int("aggregator.max_parallel", newCfg.MaxParallel()),
	)
	section("systemd", oldCfg.DBusEnabled() != newCfg.DBusEnabled(),
		logx.Bool("systemd.dbus", newCfg.DBusEnabled()),
	)
	section("journal", oldCfg.Journal != newCfg.Journal,
		logx.Int("journal.default_lines", newCfg.Journal.DefaultLines),
		logx.Int("journal.max_lines", newCfg.Journal.MaxLines),
	)
	section("watch", !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch),
		logx.Bool("watch.enabled", newCfg.Watch.Enabled),
		logx.String("watch.schedule", newCfg.WatchSchedule()),
		logx.Int("watch.units", len(newCfg.Watch.Units)),
	)
	section("telegram",
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
			oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
			tokenMark(oldCfg.Telegram.Token) != tokenMark(newCfg.Telegram.Token),
		logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
	)
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Bool("notifier.enabled", newCfg.Notifier != nil && newCfg.Notifier.Enabled),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.StorageDriver()),
	)
	section("nats", oldCfg.NATS != newCfg.NATS,
		logx.Bool("nats.enabled", newCfg.NATS.Enabled),
		logx.String("nats.subject", newCfg.NATSSubject()),
	)
	section("metrics", oldCfg.Metrics != newCfg.Metrics,
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
	)
	section("control", !reflect.DeepEqual(oldCfg.Control, newCfg.Control),
		logx.Bool("control.enabled", newCfg.ControlEnabled()),
	)

	svcChanged := diffServices(oldCfg.Services, newCfg.Services)
	section("services", len(svcChanged) > 0,
		logx.Int("services.changed_count", len(svcChanged)),
		logx.Int("services.count", len(newCfg.Services)),
	)

	sort.Strings(changed)
	return changed, attrs, svcChanged
}

// tokenMark lets secrets take part in comparisons without being kept.
func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set:" + strconv.FormatUint(sum64([]byte(tok)), 16)
}

func diffServices(oldS, newS []ServiceConfig) []string {
	index := func(list []ServiceConfig) map[string]ServiceConfig {
		m := make(map[string]ServiceConfig, len(list))
		for _, s := range list {
			m[strings.TrimSpace(s.Key)] = s
		}
		return m
	}
	om, nm := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	var out []string
	for k := range set {
		o, inOld := om[k]
		n, inNew := nm[k]
		if inOld != inNew || fingerprint(o) != fingerprint(n) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
