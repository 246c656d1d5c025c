// Package events is a channel-based pub-sub bus for task lifecycle
// notifications. Publishing never blocks the hot path: slow subscribers lose
// events rather than stalling the coordinator, and drops are counted so the
// loss is observable.
package events

import (
	"sync"
	"sync/atomic"
)

// EventBus supports per-topic subscriptions and SubscribeAll for cross-topic
// consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	allSubs []chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[Topic][]chan Event),
	}
}

// Subscribe creates a subscription to one topic. The returned channel
// receives events published to that topic; bufSize defaults to 256 if <= 0.
// Subscribing to a closed bus yields a closed channel.
func (b *EventBus) Subscribe(topic Topic, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish sends an event to the topic's subscribers and to all-topic
// subscribers. Non-blocking: a full subscriber channel drops the event for
// that subscriber and bumps the drop counter.
func (b *EventBus) Publish(topic Topic, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to full subscriber channels.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
