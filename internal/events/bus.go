package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes one event. Handlers should be fast; panics are recovered
// and logged.
type Handler func(Event)

// Bus publishes state-transition events to downstream consumers.
type Bus interface {
	Publish(ctx context.Context, event Event)
}

// InMemoryBus is a concurrent-safe fan-out bus for in-process consumers.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Subscribe registers a handler for one topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Publish delivers the event to every subscriber of its topic.
func (b *InMemoryBus) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(handler)
	}
}

// NopBus drops every event. Useful in tests that don't observe events.
type NopBus struct{}

func (NopBus) Publish(context.Context, Event) {}
