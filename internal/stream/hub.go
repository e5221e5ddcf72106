package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/kv"
)

const (
	// publishChannel mirrors every event to Redis pub/sub so sibling
	// processes can follow along.
	publishChannel = "marketbias:events"

	defaultQueueLen = 64
)

// Event is one typed bus message.
type Event struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"` // UTC ISO-8601
	Payload   interface{} `json:"payload,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to subscribers. Each subscriber has a bounded
// queue; when it fills, the oldest event is dropped so a slow consumer
// never blocks the publisher.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	queueLen int
	kvs      kv.Store // optional pub/sub mirror
	log      zerolog.Logger
	now      func() time.Time
}

// NewHub creates a hub. kvs may be nil to skip the pub/sub mirror.
func NewHub(kvs kv.Store, log zerolog.Logger) *Hub {
	return &Hub{
		subs:     make(map[*subscriber]struct{}),
		queueLen: defaultQueueLen,
		kvs:      kvs,
		log:      log.With().Str("component", "stream_hub").Logger(),
		now:      time.Now,
	}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.queueLen)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Notify publishes an event. Satisfies the engine and breaker notifier
// seams.
func (h *Hub) Notify(eventType string, payload interface{}) {
	ev := Event{
		Type:      eventType,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest, keep the newest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	h.mu.Unlock()

	if h.kvs != nil {
		buf, err := json.Marshal(ev)
		if err != nil {
			h.log.Error().Err(err).Str("type", eventType).Msg("event marshal failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.kvs.Publish(ctx, publishChannel, buf); err != nil {
			h.log.Warn().Err(err).Str("type", eventType).Msg("event publish mirror failed")
		}
	}
}

// SubscriberCount reports current fan-out width.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
