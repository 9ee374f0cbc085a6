package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedeck/internal/eventbus"
	"servicedeck/internal/storage"
	"servicedeck/internal/transport"
	logx "servicedeck/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	fails int
	sent  chan string
}

func newRecorder(fails int) *recorder {
	return &recorder{fails: fails, sent: make(chan string, 16)}
}

func (r *recorder) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return transport.MessageRef{}, errors.New("telegram down")
	}
	r.texts = append(r.texts, text)
	r.sent <- text
	return transport.MessageRef{MessageID: len(r.texts)}, nil
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitSent(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case s := <-r.sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return ""
	}
}

var chat = transport.ChatTarget{ChatID: 42}

func TestNotifyDeliversWithRetry(t *testing.T) {
	rec := newRecorder(2)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), rec, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), Notification{Target: chat, Text: "hello", Priority: PriorityCritical}))
	assert.Equal(t, "🚨 hello", waitSent(t, rec))

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatal("missing notifier events")
		}
	}
	assert.Equal(t, []string{eventbus.TypeNotifyQueued, eventbus.TypeNotifySent}, types)
	require.Len(t, s.Snapshot(), 1)
}

func TestNotifyDedupPersists(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "deck")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	n := Notification{Channel: "status:readsb", Target: chat, Text: "down"}
	ctx := context.Background()

	rec := newRecorder(0)
	s := New(fastConfig(), rec, logx.Nop(), nil, st)
	s.Start(ctx)
	require.NoError(t, s.Notify(ctx, n))
	require.NoError(t, s.Notify(ctx, n))
	waitSent(t, rec)
	s.Stop(ctx)

	// a fresh service sharing the store still suppresses the duplicate
	rec2 := newRecorder(0)
	s2 := New(fastConfig(), rec2, logx.Nop(), nil, st)
	s2.Start(ctx)
	require.NoError(t, s2.Notify(ctx, n))
	s2.Stop(ctx)

	assert.Len(t, rec.texts, 1)
	assert.Empty(t, rec2.texts)
}

func TestNotifyLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, newRecorder(0), logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(ctx, Notification{Text: "x"}), ErrDisabled)

	s.Apply(fastConfig())
	assert.ErrorIs(t, s.Notify(ctx, Notification{Text: "x"}), ErrStopped)

	cfg := fastConfig()
	cfg.QueueSize = 1
	blocked := transport.SenderFunc(func(ctx context.Context, _ transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	})
	s = New(cfg, blocked, logx.Nop(), nil, nil)
	s.Start(ctx)
	var full bool
	for i := 0; i < 5 && !full; i++ {
		full = errors.Is(s.Notify(ctx, Notification{Text: "x"}), ErrQueueFull)
	}
	assert.True(t, full)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	s.Stop(stopCtx)
}

func TestRelayFormatsTransitions(t *testing.T) {
	rec := newRecorder(0)
	bus := eventbus.New()
	s := New(fastConfig(), rec, logx.Nop(), bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Relay(ctx, bus, chat) }()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeControl, Data: eventbus.Control{Key: "x"}})
	eventbus.Publish(bus, eventbus.TypeStatusChanged, eventbus.StatusChanged{
		Key: "readsb", Name: "Readsb", Origin: "configured", From: "ok", To: "error", Message: "exit <1>",
	})

	got := waitSent(t, rec)
	assert.Contains(t, got, "<b>Readsb</b> ok → <b>error</b>")
	assert.Contains(t, got, "exit &lt;1&gt;")
	assert.True(t, len(got) > 0 && got[:len("🚨")] == "🚨")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFormatStatusChangePriorities(t *testing.T) {
	_, p := FormatStatusChange(eventbus.StatusChanged{Key: "a", To: "ok"})
	assert.Equal(t, PriorityInfo, p)
	_, p = FormatStatusChange(eventbus.StatusChanged{Key: "a", To: "unknown"})
	assert.Equal(t, PriorityWarning, p)
	text, _ := FormatStatusChange(eventbus.StatusChanged{Key: "ssh.service", Origin: "systemd-adhoc", To: "starting"})
	assert.Contains(t, text, "<b>ssh.service</b> - → <b>starting</b> <i>(systemd-adhoc)</i>")
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
