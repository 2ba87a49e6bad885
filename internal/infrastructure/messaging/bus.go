// Package messaging provides the in-process event bus, the outbox publisher
// loop and the dead-letter queue facade.
package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
)

// Bus is an in-process topic-based broadcast. Delivery is synchronous in the
// publisher's goroutine, which preserves per-partition order; handlers must
// not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]ports.EventHandler
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[int]ports.EventHandler),
		logger: logger,
	}
}

// Publish delivers the event to every subscriber of the topic.
func (b *Bus) Publish(ctx context.Context, topic string, event *events.Envelope) error {
	b.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, topic, h, event)
	}
	return nil
}

// deliver isolates handler panics so one bad subscriber cannot take down the
// publishing partition.
func (b *Bus) deliver(ctx context.Context, topic string, h ports.EventHandler, event *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", topic),
				zap.String("event_id", event.EventID),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(topic string, handler ports.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]ports.EventHandler)
	}
	b.nextID++
	id := b.nextID
	b.topics[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
	}
}

var _ ports.EventBus = (*Bus)(nil)
