package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/juju/errors"

	"servicedeck/internal/eventbus"
	"servicedeck/internal/service"
	"servicedeck/internal/transport"
	logx "servicedeck/pkg/logx"
)

// Relay turns status transitions published on bus into notifications for
// target until ctx ends.
func (s *Service) Relay(ctx context.Context, bus eventbus.Bus, target transport.ChatTarget) error {
	if bus == nil {
		return errors.NotValidf("nil bus")
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			sc, ok := ev.Data.(eventbus.StatusChanged)
			if ev.Type != eventbus.TypeStatusChanged || !ok {
				continue
			}
			text, prio := FormatStatusChange(sc)
			err := s.Notify(ctx, Notification{
				Channel:  "status:" + sc.Key,
				Target:   target,
				Text:     text,
				Priority: prio,
				Options:  &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
			})
			if err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("status notification not queued", logx.String("key", sc.Key), logx.Err(err))
			}
		}
	}
}

// FormatStatusChange renders an HTML message for a transition.
func FormatStatusChange(sc eventbus.StatusChanged) (string, Priority) {
	prio := PriorityWarning
	switch service.Status(sc.To) {
	case service.StatusError:
		prio = PriorityCritical
	case service.StatusOK:
		prio = PriorityInfo
	}

	name := sc.Name
	if name == "" {
		name = sc.Key
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s → <b>%s</b>", html.EscapeString(name), html.EscapeString(orDash(sc.From)), html.EscapeString(sc.To))
	if sc.Origin != "" && sc.Origin != "configured" {
		fmt.Fprintf(&b, " <i>(%s)</i>", html.EscapeString(sc.Origin))
	}
	if msg := strings.TrimSpace(sc.Message); msg != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(truncate(msg, 400)))
	}
	return b.String(), prio
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
