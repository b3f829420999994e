package pubsub

import (
	"context"
	"sync"
)

// MemoryPubSub is an in-process bus. Multiple gateway instances sharing
// one MemoryPubSub see each other's events, which makes cross-instance
// fan-out testable without Redis. Delivery semantics match the Redis
// implementation: every subscriber, including the publisher's own
// instance, receives every event.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	closed      bool
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string][]chan *Event),
	}
}

func (m *MemoryPubSub) Publish(_ context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- event:
		default:
			// Subscriber not keeping up; drop rather than block the
			// publisher, same as a slow Redis consumer.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Event, 100)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MemoryPubSub) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subscribers[channel] {
		close(ch)
	}
	delete(m.subscribers, channel)
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.subscribers = make(map[string][]chan *Event)
	return nil
}
