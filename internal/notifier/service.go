package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"servicedeck/internal/eventbus"
	"servicedeck/internal/runtime/supervisor"
	"servicedeck/internal/storage"
	"servicedeck/internal/transport"
	logx "servicedeck/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout   = 10 * time.Second
	storeTimeout  = 250 * time.Millisecond
	historyLength = 300
)

type job struct {
	n   Notification
	key string
}

// Service is safe for concurrent use. Start and Stop may be called again
// after a reload toggles the notifier.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	inflight  sync.WaitGroup
	queue     chan job
	sup       *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped service. bus and store may be nil.
func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.Component("notifier"),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))

	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.work(c, q)
		})
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new messages and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup = nil, nil
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier stop incomplete", logx.Int("pending", len(q)), logx.Err(err))
		return
	}
	s.log.Info("notifier stopped")
}

// Notify enqueues n. A message suppressed by dedup returns nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(ctx, key, window, maxEntries) {
		s.emit(eventbus.TypeNotifyDeduped, n, key, nil)
		return nil
	}

	s.emit(eventbus.TypeNotifyQueued, n, key, nil)
	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.emit(eventbus.TypeNotifyDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// work drains q; a closed queue is a clean exit.
func (s *Service) work(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixFor(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	var lastErr error
	attempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(text)
			s.emit(eventbus.TypeNotifySent, j.n, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(cfg, attempt)):
		}
	}
	s.log.Warn("notification dropped", logx.String("channel", j.n.Channel), logx.Err(lastErr))
	s.emit(eventbus.TypeNotifyFailed, j.n, j.key, lastErr)
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyLength {
		s.history = s.history[len(s.history)-historyLength:]
	}
	s.hmu.Unlock()
}

func (s *Service) emit(typ string, n Notification, key string, err error) {
	ev := Event{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}

// dedupAllow reports whether key may be sent now and, if so, opens a new
// suppression window in memory and in the store.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

func dedupKey(n Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func prefixFor(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered by
// ±30% and capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
