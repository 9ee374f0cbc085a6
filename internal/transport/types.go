package transport

import "context"

// ChatTarget addresses a chat (and optional forum topic) on a messaging transport.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender is the outbound half of a messaging transport.
// servicedeck never consumes updates, it only reports.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}
