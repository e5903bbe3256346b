package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Direction of a message relative to the business.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AuthorType identifies who wrote a message.
type AuthorType string

const (
	AuthorCustomer   AuthorType = "customer"
	AuthorAdmin      AuthorType = "admin"
	AuthorAutomation AuthorType = "automation"
	AuthorSystem     AuthorType = "system"
)

// Valid reports whether a is a known author type.
func (a AuthorType) Valid() bool {
	switch a {
	case AuthorCustomer, AuthorAdmin, AuthorAutomation, AuthorSystem:
		return true
	}
	return false
}

// Message is one entry of the append-only conversation log.
type Message struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          string     `json:"tenant_id"`
	PhoneNumber       string     `json:"phone_number"`
	Direction         Direction  `json:"direction"`
	AuthorType        AuthorType `json:"author_type"`
	Body              string     `json:"body"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsHumanReply reports whether the message is an operator reply to the customer.
func (m *Message) IsHumanReply() bool {
	return m.Direction == DirectionOutbound && m.AuthorType == AuthorAdmin
}

// MessageStore is the append-only message log.
//
// Append is the only mutation. ListSince must observe every Append that
// completed before it was called; the human-wins check depends on it.
type MessageStore interface {
	// Append persists msg, assigning ID and CreatedAt when zero. It returns
	// ErrDuplicateMessage when a non-empty ProviderMessageID was already
	// stored for the tenant.
	Append(ctx context.Context, msg *Message) (uuid.UUID, error)

	// ListSince returns the conversation's messages with created_at >= since,
	// ordered by created_at then id.
	ListSince(ctx context.Context, tenantID, phone string, since time.Time) ([]Message, error)

	// HasHumanReplySince reports whether an admin-authored outbound message
	// exists in the conversation with created_at >= since.
	HasHumanReplySince(ctx context.Context, tenantID, phone string, since time.Time) (bool, error)
}
