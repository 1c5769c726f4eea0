// Package events fans out row-change notifications to live subscribers.
package events

import (
	"sync"

	"github.com/seantiz/stellarsim/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker delivers every published event to all current subscribers.
// It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]chan model.Event),
	}
}

// Subscribe returns a channel that receives subsequent events and an
// unsubscribe function. After Close, the returned channel is already closed.
func (b *Broker) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish sends ev to every subscriber, dropping it for subscribers whose
// buffers are full.
func (b *Broker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Never block a store write on a slow reader.
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
