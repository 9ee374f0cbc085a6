package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"servicedeck/internal/config"
	"servicedeck/internal/eventbus"
	logx "servicedeck/pkg/logx"
)

// sections that only take effect after a restart
var restartSections = []string{"storage", "systemd", "journal", "nats", "telegram"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts, only the newest config matters
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.overrideListen(next)
	sections, attrs, svcKeys := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.dropPending()
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	a.logs.Apply(mapLogConfig(next))
	a.core.SetTimeout(next.ExecTimeout())
	a.core.Aggregator.SetMaxParallel(next.MaxParallel())

	if changed("services") {
		cat, err := a.takePending(next)
		if err != nil {
			a.log.Warn("invalid services; keeping previous catalog", logx.Err(err))
		} else {
			old := a.core.Aggregator.Swap(cat)
			if a.mets != nil && old != nil {
				var gone []string
				for _, k := range old.Keys() {
					if _, ok := cat.Lookup(k); !ok {
						gone = append(gone, k)
					}
				}
				a.mets.Forget(gone)
			}
			a.log.Debug("service catalog swapped", logx.Strings("changed", svcKeys), logx.Int("services", cat.Len()))
		}
	} else {
		a.dropPending()
	}

	if changed("notifier") {
		a.applyNotifier(ctx, next)
	}
	if changed("watch") {
		a.applyWatch(ctx, next)
	}

	if a.api != nil {
		if acfg, err := mapAPIConfig(next); err != nil {
			a.log.Warn("invalid server config; keeping previous", logx.Err(err))
		} else {
			a.api.Apply(acfg)
		}
	}
	if changed("server") && prev.ServerEnabled() != next.ServerEnabled() {
		a.log.Warn("server.enabled changed; restart required")
	}
	if changed("metrics") {
		a.log.Warn("metrics config changed; restart required")
	}
	for _, s := range restartSections {
		if changed(s) {
			a.log.Warn(s + " config changed; restart required")
		}
	}

	eventbus.Publish(a.bus, eventbus.TypeConfigReload, eventbus.ConfigReloaded{Sections: sections, Services: svcKeys})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if ncfg.Enabled && !a.hasSender {
		a.log.Warn("notifier enabled without telegram.token; notifications are off")
		ncfg.Enabled = false
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyWatch(ctx context.Context, next *config.Config) {
	if !next.Watch.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.watcher.Stop(stopCtx)
		cancel()
		return
	}
	wcfg, err := mapWatchConfig(next)
	if err != nil {
		a.log.Warn("invalid watch config; keeping previous", logx.Err(err))
		return
	}
	if err := a.watcher.Start(ctx, wcfg); err != nil {
		a.log.Warn("watcher restart failed", logx.Err(err))
	}
}
