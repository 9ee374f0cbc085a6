package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, TypeStatusChanged, StatusChanged{Key: "readsb", From: "ok", To: "error"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TypeStatusChanged, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, "readsb", e.Data.(StatusChanged).Key)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for range 5 {
		b.Publish(Event{Type: TypeControl})
	}
	require.Len(t, ch, 1)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: TypeControl})
	Publish(nil, TypeControl, nil)
}
