// Package bus is the in-process message bus between channels and the
// ingestion loop, plus a fire-and-forget event broadcast.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus implements InboundRouter and EventPublisher.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return NewWithBuffer(defaultInboundBuffer)
}

func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues msg. When the buffer is full the message is dropped
// and logged; webhook transports should call the ingestion handler directly
// so the provider can retry on failure.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound buffer full, dropping message",
			"channel", msg.Channel, "tenant", msg.TenantID, "provider_message_id", msg.ProviderMessageID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers event synchronously to every subscriber. A panicking
// handler is logged and does not affect the others.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: event handler panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
