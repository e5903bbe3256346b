package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt records one send try, including fallbacks.
type DeliveryAttempt struct {
	Channel     string    `json:"channel"`
	Target      string    `json:"target"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// DeliveryLogStore keeps the audit trail of delivery attempts.
type DeliveryLogStore interface {
	// RecordAttempts appends attempts for refID (a pending response id or a
	// notification id). purpose is "customer" or "operator".
	RecordAttempts(ctx context.Context, refID uuid.UUID, purpose string, attempts []DeliveryAttempt) error

	ListAttempts(ctx context.Context, refID uuid.UUID) ([]DeliveryAttempt, error)
}
