package pubsub

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node deployments.
// Sends to a full subscriber buffer are dropped: the signals riding the bus
// are lossy by contract and the durable record is already in the store.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan Event)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	event.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}
