package bus

import (
	"context"
	"time"
)

// InboundMessage is a customer message received by a channel, before it has
// been persisted.
type InboundMessage struct {
	Channel           string    `json:"channel"`
	TenantID          string    `json:"tenant_id"`
	From              string    `json:"from"`
	To                string    `json:"to,omitempty"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	MediaCount        int       `json:"media_count,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// OutboundMessage is a message to be sent through a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"` // phone number, chat id or channel id depending on transport
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is broadcast to in-process subscribers (notifications, test probes).
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InboundRouter moves inbound messages from channels to the ingestion loop.
type InboundRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
