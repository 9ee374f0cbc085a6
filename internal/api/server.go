// Package api serves the JSON HTTP interface over the aggregator and the
// systemd discovery helpers.
package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/observability/pprof"
	"servicedeck/internal/service"
	"servicedeck/internal/storage"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

// Services is the aggregator surface the API needs.
type Services interface {
	Services() []aggregate.ServiceInfo
	StatusForAll(ctx context.Context) []aggregate.Status
	StatusForKey(ctx context.Context, key string) (aggregate.Status, error)
	MergedStatus(ctx context.Context, units []string) []aggregate.Status
	Control(ctx context.Context, key string, action service.Action) error
	JournalUnit(key string) (string, error)
}

// Units is the systemd discovery surface the API needs.
type Units interface {
	ListUnits(ctx context.Context) ([]systemd.Unit, error)
	StatesForUnits(ctx context.Context, names []string) []systemd.UnitState
	Journal(ctx context.Context, unit string, q systemd.JournalQuery) ([]systemd.JournalEntry, error)
}

type AuditLog interface {
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// HTTPObserver records request outcomes; *metrics.Metrics satisfies it.
type HTTPObserver interface {
	ObserveHTTP(route string, code int)
	Handler() http.Handler
}

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Pprof         bool
	Metrics       bool

	ControlEnabled bool
	ControlRate    float64
	ControlBurst   int
}

type Deps struct {
	Services Services
	Units    Units
	Audit    AuditLog     // nil when storage is disabled
	Metrics  HTTPObserver // nil when metrics are disabled
	// Health adds runtime details to /healthz?verbose=1.
	Health func() any
	Log    logx.Logger
}

// Server is safe for concurrent use. Token and control settings can be
// changed at runtime with Apply; the listen address cannot.
type Server struct {
	deps   Deps
	log    logx.Logger
	router *mux.Router

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

// New validates cfg and builds the router. A non-loopback address without
// a token is refused unless AllowInsecure is set.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Services == nil || deps.Units == nil {
		return nil, errors.NotValidf("api without services or units")
	}
	if err := checkBind(cfg); err != nil {
		return nil, err
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, log: log.Component("api")}
	s.Apply(cfg)
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("api running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}
	s.router = s.routes(cfg)
	return s, nil
}

func checkBind(cfg Config) error {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return service.ConfigError("server.addr %q: %v", cfg.Addr, err)
	}
	if strings.TrimSpace(cfg.Token) == "" && !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		return service.ConfigError("server.addr %q is not loopback: set server.token or server.allow_insecure", cfg.Addr)
	}
	return nil
}

// Apply swaps the token and the control limiter.
func (s *Server) Apply(cfg Config) {
	r := rate.Inf
	if cfg.ControlRate > 0 {
		r = rate.Limit(cfg.ControlRate)
	}
	burst := max(cfg.ControlBurst, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Addr != "" && s.cfg.Addr != cfg.Addr {
		s.log.Warn("server.addr change needs a restart", logx.String("running", s.cfg.Addr), logx.String("configured", cfg.Addr))
		cfg.Addr = s.cfg.Addr
	}
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(r, burst)
		return
	}
	s.limiter.SetLimit(r)
	s.limiter.SetBurst(burst)
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Annotatef(err, "listen %s", cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Annotate(err, "api serve")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return errors.Annotate(err, "api shutdown")
	}
	s.log.Info("api stopped")
	return ctx.Err()
}

func (s *Server) routes(cfg Config) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withRequestID, s.withAccessLog, s.withAuth)
	r.NotFoundHandler = s.wrapPlain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	}))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/services/status", s.handleStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/services/{key}", s.handleStatusKey).Methods(http.MethodGet)
	r.HandleFunc("/services/{key}/journal", s.handleServiceJournal).Methods(http.MethodGet)
	r.HandleFunc("/services/{key}/{action:start|stop|restart}", s.handleControl).Methods(http.MethodPost)

	r.HandleFunc("/systemd/services", s.handleUnits).Methods(http.MethodGet)
	r.HandleFunc("/systemd/status", s.handleUnitStates).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/systemd/journal/{unit}", s.handleUnitJournal).Methods(http.MethodGet)

	r.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	if cfg.Metrics && s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Pprof {
		pprof.Mount(r, pprof.DefaultPrefix)
	}
	return r
}

// wrapPlain applies the middleware chain to handlers the router calls
// outside of a matched route.
func (s *Server) wrapPlain(h http.Handler) http.Handler {
	return s.withRequestID(s.withAccessLog(h))
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
