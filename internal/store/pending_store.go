package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingStatus is the state of a scheduled automated reply.
type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusCancelled PendingStatus = "cancelled"
	StatusProcessed PendingStatus = "processed"
	StatusFailed    PendingStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PendingStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusProcessed || s == StatusFailed
}

func (s PendingStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// PendingResponse is a scheduled, not yet delivered automated reply.
type PendingResponse struct {
	ID                uuid.UUID     `json:"id"`
	TenantID          string        `json:"tenant_id"`
	PhoneNumber       string        `json:"phone_number"`
	OriginalMessageID uuid.UUID     `json:"original_message_id"`
	OriginalText      string        `json:"original_text"`
	GeneratedText     *string       `json:"generated_text,omitempty"`
	Status            PendingStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ScheduledFor      time.Time     `json:"scheduled_for"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`

	// Revision is bumped whenever a follow-up customer message is merged in.
	Revision int `json:"revision"`
	// ClaimToken and ClaimExpiresAt form the resolver lease. A claimed row is
	// still pending; only the claim holder may move it to a terminal state.
	ClaimToken     string     `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
}

// IsClaimedAt reports whether a live claim exists at now.
func (p *PendingResponse) IsClaimedAt(now time.Time) bool {
	return p.ClaimToken != "" && p.ClaimExpiresAt != nil && p.ClaimExpiresAt.After(now)
}

// TransitionUpdate carries the fields written alongside a terminal transition.
type TransitionUpdate struct {
	GeneratedText string
	FailureReason string
	At            time.Time
}

// PendingStore is the durable pending-response table. Every mutation is a
// conditional update keyed on the expected current state.
type PendingStore interface {
	// Schedule inserts pr as pending, or merges it into the conversation's
	// existing pending row: the text is appended, original_message_id and
	// scheduled_for are replaced, revision is bumped. pr is updated in place
	// with the stored row.
	Schedule(ctx context.Context, pr *PendingResponse) (merged bool, err error)

	// Get returns the row or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*PendingResponse, error)

	// Claim takes the resolver lease on a pending row whose claim is absent or
	// expired at now. Returns false when another resolver holds it or the row
	// is no longer pending.
	Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error)

	// Release drops a lease without changing status.
	Release(ctx context.Context, id uuid.UUID, token string) error

	// Transition moves a pending row held under token to a terminal status.
	// Returns false when zero rows matched (already resolved or lease lost).
	Transition(ctx context.Context, id uuid.UUID, token string, to PendingStatus, upd TransitionUpdate) (bool, error)

	// ListDue returns pending rows with scheduled_for <= now and no live claim,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]PendingResponse, error)
}
