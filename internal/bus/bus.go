// Package bus is the in-process invalidation bus: every write to the local
// store is announced on a string topic, and reactive readers re-query on
// emission.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is an emission on a topic. Payload is optional context for
// listeners; invalidation alone carries no data.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   any
}

type subscription struct {
	id        int
	namespace string
	ch        chan Event
}

// Bus is an in-process publish/subscribe registry with prefix-matched
// topics. Same-namespace subscribers receive events in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
	next int
}

// New creates a new bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers the event to every subscriber whose namespace is a prefix
// of the event topic. Delivery is non-blocking: a full subscriber drops the
// event rather than stalling the writer that emitted it.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Topic, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events whose topic starts with
// namespace, plus an unsubscribe function. Subscribing to an exact topic
// string matches that topic; subscribing to a family prefix such as
// "messages:" matches every channel's message topic.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 1
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, &subscription{id: id, namespace: namespace, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}
