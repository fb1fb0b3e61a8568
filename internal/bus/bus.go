// Package bus is the in-process message fan-out between the poller and
// event consumers. Delivery is at-most-once and fire-and-forget: a slow or
// absent subscriber simply misses updates, and the next poll cycle restores
// eventual consistency. No redelivery is ever attempted.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriberBuffer is the per-subscriber channel depth. One pending event
// per topic per subscriber is plenty for dashboard traffic.
const subscriberBuffer = 16

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Bus is a topic-keyed in-memory broadcaster.
type Bus struct {
	subs   map[string]map[int]chan []byte
	nextID int
	mu     sync.RWMutex
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan []byte)}
}

// Publish delivers payload to every current subscriber of topic. A
// subscriber whose buffer is full is skipped, not waited for.
func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			log.Trace().Str("topic", topic).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a consumer for topic. The returned cancel func must
// be called to release the subscription; the channel is closed by it.
func (b *Bus) Subscribe(topic string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan []byte)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}

	return ch, cancel
}

// Close drops all subscriptions and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, topic)
	}
}
