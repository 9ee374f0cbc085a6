package notifier

import (
	"time"

	"servicedeck/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Priority decides the message prefix.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

// Notification is one outbound operator message.
type Notification struct {
	// Channel groups messages for dedup (for example "status:readsb").
	// Empty disables dedup for this message.
	Channel  string
	Target   transport.ChatTarget
	Text     string
	Priority Priority
	Options  *transport.SendOptions
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event is the bus payload for notifier.* events.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
