package bus

import (
	"context"
	"sync"
)

// Handler consumes one message. Handlers run synchronously on the publishing
// goroutine; slow consumers belong behind their own queue.
type Handler func(msg Message)

// MemoryBus is an in-process publish/subscribe bus. It backs tests and
// single-process deployments where the projection consumes directly.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one topic.
func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeAll registers a handler for every topic.
func (b *MemoryBus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the message to all matching handlers.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[msg.Topic])+len(b.all))
	handlers = append(handlers, b.handlers[msg.Topic]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}
