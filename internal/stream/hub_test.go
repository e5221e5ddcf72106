package stream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())

	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	h.Notify("BIAS_UPDATE", map[string]interface{}{"bias_level": "TORO_MINOR"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "BIAS_UPDATE", ev.Type)
			_, err := time.Parse(time.RFC3339, ev.Timestamp)
			assert.NoError(t, err)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	h.queueLen = 2

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Notify("first", nil)
	h.Notify("second", nil)
	h.Notify("third", nil) // overflows: "first" dropped

	ev := <-ch
	assert.Equal(t, "second", ev.Type)
	ev = <-ch
	assert.Equal(t, "third", ev.Type)
	select {
	case <-ch:
		t.Fatal("expected empty queue")
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())

	ch, cancel := h.Subscribe()
	require.Equal(t, 1, h.SubscriberCount())

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount())

	// Publishing after unsubscribe does not panic.
	h.Notify("after", nil)
}
