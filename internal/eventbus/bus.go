// Package eventbus is the in-process fanout that links the watcher, the
// control path, the notifier and the NATS bridge.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeStatusChanged = "service.status_changed"
	TypeControl       = "service.control"
	TypeConfigReload  = "config.reloaded"

	TypeNotifyQueued  = "notifier.queued"
	TypeNotifySent    = "notifier.sent"
	TypeNotifyFailed  = "notifier.failed"
	TypeNotifyDeduped = "notifier.deduped"
	TypeNotifyDropped = "notifier.dropped"
)

// Event is a small signal. Data should be JSON-serializable since the NATS
// bridge forwards it as is.
//
// Publish never blocks: subscribers get a buffered channel and a slow one
// loses events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// StatusChanged is the payload of TypeStatusChanged.
type StatusChanged struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Origin  string    `json:"origin"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Control is the payload of TypeControl.
type Control struct {
	RequestID string `json:"request_id,omitempty"`
	Key       string `json:"key"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
	TookMS    int64  `json:"took_ms"`
}

// ConfigReloaded is the payload of TypeConfigReload.
type ConfigReloaded struct {
	Sections []string `json:"sections"`
	Services []string `json:"services,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// an unsubscribe racing with us may have closed ch
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish is a nil-safe shorthand used by optional components.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
