// Package bus provides the in-process event bus that decouples failure
// reporting from the pipeline run that produced it. Publishing never blocks
// the caller; each subscriber consumes on its own goroutine.
package bus

import (
	"sync"

	"github.com/etlite/etlite/internal/logging"
)

// Event is a topic-tagged property map.
type Event struct {
	Topic  string
	Params map[string]any
}

// Handler consumes events for one subscription.
type Handler func(Event)

const subscriberBuffer = 1024

type subscriber struct {
	ch      chan Event
	handler Handler
}

// Bus is a topic-based publish/subscribe channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	wg     sync.WaitGroup
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers a handler for a topic. The handler runs on a dedicated
// goroutine; ordering is guaranteed only within a single subscription.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer), handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			sub.handler(ev)
		}
	}()
}

// Publish delivers the event to every subscriber of its topic without
// blocking. If a subscriber's buffer is full the event is dropped with a
// warning; fire-and-forget is the contract.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			logging.Warn("event bus: dropping event on topic %s (subscriber backlog full)", ev.Topic)
		}
	}
}

// Close stops delivery and waits for subscribers to drain their backlogs.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}
