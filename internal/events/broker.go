package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pmd/pmd/pkg/types"
)

// Broker fans events out to in-process subscribers. Publishing never blocks:
// events for a subscriber whose buffer is full are dropped and counted.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // topic -> subscribers
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[string]map[chan types.Event]struct{}),
		logger: slog.Default(),
	}
}

// SetLogger sets the logger used to report dropped events.
func (b *Broker) SetLogger(l *slog.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Subscribe returns a channel receiving the events of topic: an event type,
// a category or AllTopics.
func (b *Broker) Subscribe(topic string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[chan types.Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range [...]string{ev.Type, Category(ev.Type), AllTopics} {
		for ch := range b.subs[topic] {
			select {
			case ch <- ev:
			default:
				// Drop on slow subscriber, log and count.
				count := b.dropped.Add(1)
				if count == 1 || count%100 == 0 {
					b.logger.Warn("events: dropped event", "topic", topic, "type", ev.Type, "total_dropped", count)
				}
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
