// Package telegram is the send-only Telegram transport used for status
// notifications and the log sink.
package telegram

import (
	"context"
	"strings"

	"github.com/juju/errors"
	tele "gopkg.in/telebot.v4"

	"servicedeck/internal/transport"
	logx "servicedeck/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// Sender posts messages through the Bot API. It never polls for updates.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

var _ transport.Sender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.NotValidf("empty telegram token")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true, // no getMe round trip at startup
	})
	if err != nil {
		return nil, errors.Annotate(err, "telegram bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}, nil
}

// SendText splits long text and returns the reference of the first message.
func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.IsZero() {
		return transport.MessageRef{}, errors.NotValidf("empty chat target")
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range SplitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, errors.Annotate(err, "telegram send")
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SplitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if strings.EqualFold(parseMode, "HTML") {
				if open := danglingTag(rs[start:end]); open > 0 {
					end = start + open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// danglingTag returns the offset of a '<' with no closing '>' after it, or -1.
func danglingTag(rs []rune) int {
	open, closed := -1, -1
	for i, r := range rs {
		switch r {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > 1 {
		return open
	}
	return -1
}
