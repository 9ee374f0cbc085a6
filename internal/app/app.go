package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nats-io/nats.go"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/api"
	"servicedeck/internal/config"
	"servicedeck/internal/eventbus"
	"servicedeck/internal/metrics"
	"servicedeck/internal/natspub"
	"servicedeck/internal/notifier"
	"servicedeck/internal/runtime/supervisor"
	"servicedeck/internal/storage"
	"servicedeck/internal/transport"
	"servicedeck/internal/transport/telegram"
	"servicedeck/internal/watch"
	logx "servicedeck/pkg/logx"
)

// App is the long-running server: HTTP API, watcher, notifier and the
// optional NATS bridge around one aggregator.
type App struct {
	cfgPath string
	started time.Time

	listenHost string
	listenPort string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	mets  *metrics.Metrics

	core      *Core
	notif     *notifier.Service
	hasSender bool
	watcher   *watch.Watcher
	api       *api.Server
	nc        *nats.Conn

	// pending holds the catalog the validator built for a config that has
	// not been applied yet.
	pendingMu sync.Mutex
	pending   map[*config.Config]*aggregate.Catalog

	stopOnce sync.Once
}

type Option func(*App)

// WithListen overrides the host and/or port of server.addr. Empty parts
// keep the configured value. The override survives reloads.
func WithListen(host, port string) Option {
	return func(a *App) { a.listenHost, a.listenPort = strings.TrimSpace(host), strings.TrimSpace(port) }
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{
		cfgPath: cfgPath,
		bus:     eventbus.New(),
		pending: map[*config.Config]*aggregate.Catalog{},
	}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	a.overrideListen(cfg)

	// The Telegram sink needs a target before it is enabled, so logging
	// starts without it and is re-applied once the sender exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.Component("app")
	a.log, a.logs = log, logSvc

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	var sender transport.Sender
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		tg, err := telegram.New(telegram.Config{Token: tok}, root.Component("telegram"))
		if err != nil {
			return nil, err
		}
		sender = tg
		logSvc.SetSender(tg)
	}
	logSvc.Apply(logCfg)

	if cfg.Metrics.Enabled {
		a.mets = metrics.New()
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.core, err = BuildCore(ctx, cfg, CoreDeps{
		Log:     root,
		Metrics: a.mets,
		Store:   a.store,
		Bus:     a.bus,
		Source:  "api",
	})
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hasSender = sender != nil
	if ncfg.Enabled && !a.hasSender {
		log.Warn("notifier enabled without telegram.token; notifications are off")
		ncfg.Enabled = false
	}
	a.notif = notifier.New(ncfg, sender, root, a.bus, a.store)

	wopts := []watch.Option{watch.WithBus(a.bus), watch.WithLogger(root)}
	if a.store != nil {
		wopts = append(wopts, watch.WithStore(a.store))
	}
	if a.mets != nil {
		wopts = append(wopts, watch.WithObserver(a.mets))
	}
	a.watcher = watch.New(a.core.Aggregator, wopts...)

	if cfg.ServerEnabled() {
		acfg, err := mapAPIConfig(cfg)
		if err != nil {
			return nil, err
		}
		deps := api.Deps{
			Services: a.core.Aggregator,
			Units:    a.core.Discovery,
			Health:   func() any { return a.Health() },
			Log:      root,
		}
		if a.store != nil {
			deps.Audit = a.store
		}
		if a.mets != nil {
			deps.Metrics = a.mets
		}
		if a.api, err = api.New(acfg, deps); err != nil {
			return nil, err
		}
	}

	if cfg.NATS.Enabled {
		nc, err := natspub.Connect(mapNATSConfig(cfg), root.Component("nats"))
		if err != nil {
			return nil, err
		}
		a.nc = nc
	}

	ok = true
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor saw.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	target := notifyTarget(cfg)
	a.sup.GoRestart("notifier.relay", func(c context.Context) error {
		return a.notif.Relay(c, a.bus, target)
	})

	if cfg.Watch.Enabled {
		wcfg, err := mapWatchConfig(cfg)
		if err != nil {
			return err
		}
		if err := a.watcher.Start(a.sup.Context(), wcfg); err != nil {
			return err
		}
	}

	if a.api != nil {
		a.sup.GoRestart("api.http", a.api.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	if a.nc != nil {
		bridge := natspub.NewBridge(a.nc, cfg.NATSSubject(), a.log.Component("nats"))
		a.sup.GoRestart("nats.bridge", func(c context.Context) error { return bridge.Run(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("services", a.core.Aggregator.Catalog().Len()),
		logx.Bool("api", a.api != nil),
		logx.Bool("watch", cfg.Watch.Enabled),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("nats", a.nc != nil),
	)
	return nil
}

// validate runs before a reloaded config is committed. The catalog it
// builds is kept for the reload loop so adapters are constructed once.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	cat, err := a.core.Rebuild(cfg)
	if err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if cfg.Watch.Enabled {
		if _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
	}
	a.pendingMu.Lock()
	a.pending[cfg] = cat
	a.pendingMu.Unlock()
	return nil
}

func (a *App) overrideListen(cfg *config.Config) {
	if a.listenHost == "" && a.listenPort == "" {
		return
	}
	host, port, err := net.SplitHostPort(cfg.ServerAddr())
	if err != nil {
		host, port = "", ""
	}
	if a.listenHost != "" {
		host = a.listenHost
	}
	if a.listenPort != "" {
		port = a.listenPort
	}
	cfg.Server.Addr = net.JoinHostPort(host, port)
}

func (a *App) takePending(cfg *config.Config) (*aggregate.Catalog, error) {
	a.pendingMu.Lock()
	cat, ok := a.pending[cfg]
	// older entries belong to configs that were coalesced away
	clear(a.pending)
	a.pendingMu.Unlock()
	if ok {
		return cat, nil
	}
	return a.core.Rebuild(cfg)
}

func (a *App) dropPending() {
	a.pendingMu.Lock()
	clear(a.pending)
	a.pendingMu.Unlock()
}

// Stop shuts everything down in dependency order. Only the first call
// has an effect.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	if a.sup == nil {
		a.closeResources()
		return
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("watcher", 2*time.Second, func(c context.Context) error { a.watcher.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("nats", time.Second, func(context.Context) error {
		if a.nc != nil {
			return a.nc.Drain()
		}
		return nil
	})
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.core.Close()

	a.log.Info("stopped")
	_ = a.logs.Close()
}

// closeResources releases what New opened when the app never started.
func (a *App) closeResources() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.core != nil {
		a.core.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Health is the verbose /healthz body.
type Health struct {
	Status        string                 `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	Uptime        string                 `json:"uptime"`
	Services      int                    `json:"services"`
	Storage       string                 `json:"storage"`
	Notifier      bool                   `json:"notifier"`
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
	Tasks         []supervisor.TaskStats `json:"tasks"`
}

func (a *App) Health() Health {
	cfg := a.cfgm.Get()
	h := Health{
		Status:        "ok",
		StartedAt:     a.started,
		Uptime:        time.Since(a.started).Round(time.Second).String(),
		Services:      a.core.Aggregator.Catalog().Len(),
		Storage:       cfg.StorageDriver(),
		Notifier:      a.notif.Enabled(),
		Notifications: a.notif.Snapshot(),
		Tasks:         a.sup.Snapshot(),
	}
	for _, t := range h.Tasks {
		if !t.Running && t.LastErr != "" {
			h.Status = "degraded"
			break
		}
	}
	return h
}
