// Package natspub forwards event bus traffic to NATS as JSON.
package natspub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/nats-io/nats.go"

	"servicedeck/internal/eventbus"
	logx "servicedeck/pkg/logx"
)

const DefaultSubject = "servicedeck.events"

type Config struct {
	URL     string
	Subject string
	Name    string
}

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with unlimited reconnects and logs connection changes.
func Connect(cfg Config, log logx.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.NotValidf("empty nats url")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	name := cfg.Name
	if name == "" {
		name = "servicedeck"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debug("nats connection closed")
		}),
	)
	if err != nil {
		return nil, errors.Annotatef(err, "connect nats %s", cfg.URL)
	}
	return nc, nil
}

// Bridge republishes every bus event on "<subject>.<event type>".
type Bridge struct {
	pub     Publisher
	subject string
	log     logx.Logger
}

func NewBridge(pub Publisher, subject string, log logx.Logger) *Bridge {
	if subject = strings.Trim(strings.TrimSpace(subject), "."); subject == "" {
		subject = DefaultSubject
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{pub: pub, subject: subject, log: log.Component("natspub")}
}

// Subject returns the subject an event of type typ is published on.
func (b *Bridge) Subject(typ string) string {
	return b.subject + "." + typ
}

// Run forwards events until ctx ends. Publish failures are logged and the
// event is dropped; the nats client buffers while reconnecting.
func (b *Bridge) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil || b.pub == nil {
		return errors.NotValidf("natspub bridge without bus or connection")
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.forward(ev); err != nil {
				b.log.Warn("event not forwarded", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (b *Bridge) forward(ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Annotate(err, "encode event")
	}
	return errors.Trace(b.pub.Publish(b.Subject(ev.Type), data))
}
