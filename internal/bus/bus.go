package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is non-blocking: a subscriber whose buffer is full misses the
// event rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a handle to a bus subscription. Events arrive on C until
// Cancel is called.
type Subscription struct {
	C chan Event

	namespace string
	id        int
	bus       *Bus
	once      sync.Once
}

// Cancel removes the subscription. No events are delivered after it returns.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.C <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe registers a subscription for events matching the given namespace
// prefix. bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	sub := &Subscription{
		C:         make(chan Event, bufSize),
		namespace: namespace,
		bus:       b,
	}
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}
