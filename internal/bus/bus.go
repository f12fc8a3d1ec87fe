// Package bus is the in-process broadcast fabric subscription streams
// tail. Delivery is per-channel FIFO for consumers that keep up; a
// consumer with a full buffer is skipped for that delivery and flagged,
// never blocking the publisher. No replay, no persistence: the durable
// per-subscriber queue is the recovery path.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/events"
)

const consumerBuffer = 16

// TopicChannel names the bus channel for a {tenant, topic} pair.
func TopicChannel(tenant, topic string) string {
	return "TOPIC_EVENTS:" + tenant + ":" + topic
}

// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[int64]*Subscription
	nextID   int64
}

// Subscription receives envelopes published to one channel after the
// subscription was installed.
type Subscription struct {
	ch      chan events.Envelope
	bus     *Bus
	channel string
	id      int64
	lagged  atomic.Bool
	closed  bool
}

func New() *Bus {
	return &Bus{channels: make(map[string]map[int64]*Subscription)}
}

// Subscribe installs a consumer on channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch:      make(chan events.Envelope, consumerBuffer),
		bus:     b,
		channel: channel,
		id:      b.nextID,
	}
	consumers := b.channels[channel]
	if consumers == nil {
		consumers = make(map[int64]*Subscription)
		b.channels[channel] = consumers
	}
	consumers[sub.id] = sub
	return sub
}

// Publish delivers env to every consumer of channel. Consumers whose
// buffers are full are skipped and flagged lagged. Returns the number of
// consumers that received the envelope.
func (b *Bus) Publish(channel string, env events.Envelope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.channels[channel] {
		select {
		case sub.ch <- env:
			delivered++
		default:
			sub.lagged.Store(true)
		}
	}
	return delivered
}

// Consumers reports how many subscriptions a channel currently has.
func (b *Bus) Consumers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// C is the receive side of the subscription. It closes when the
// subscription is closed.
func (s *Subscription) C() <-chan events.Envelope { return s.ch }

// Lagged reports and clears the skipped-delivery flag.
func (s *Subscription) Lagged() bool {
	return s.lagged.Swap(false)
}

// Close detaches the consumer and closes its channel. Safe to call once;
// callers own the subscription lifecycle.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	consumers := s.bus.channels[s.channel]
	delete(consumers, s.id)
	if len(consumers) == 0 {
		delete(s.bus.channels, s.channel)
	}
	close(s.ch)
}
