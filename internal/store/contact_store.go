package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Contact is a CRM profile for a phone number within a tenant.
type Contact struct {
	ID                 uuid.UUID         `json:"id"`
	TenantID           string            `json:"tenant_id"`
	PhoneNumber        string            `json:"phone_number"`
	DisplayName        string            `json:"display_name,omitempty"`
	Profile            map[string]string `json:"profile,omitempty"`
	AutomationDisabled bool              `json:"automation_disabled"`
	LastContactAt      *time.Time        `json:"last_contact_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
}

// ContactStore reads contacts and owns the two fields this service mutates:
// automation_disabled and last_contact_at.
type ContactStore interface {
	// FindByPhone returns the most recently updated non-deleted contact whose
	// phone key matches. Returns ErrNotFound when none exists.
	FindByPhone(ctx context.Context, tenantID, phone string) (*Contact, error)

	// SetAutomationDisabled sets the flag, creating a bare contact for unknown
	// numbers so the choice is durable. Idempotent; changed reports whether the
	// stored value moved.
	SetAutomationDisabled(ctx context.Context, tenantID, phone string, disabled bool) (changed bool, err error)

	// TouchLastContact records the time of the latest inbound message.
	TouchLastContact(ctx context.Context, tenantID, phone string, at time.Time) error

	// Upsert creates or replaces a contact by id. Used by imports and tests.
	Upsert(ctx context.Context, c *Contact) error
}
