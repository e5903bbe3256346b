package store

import "github.com/google/uuid"

// GenNewID returns a time-ordered UUIDv7. Message ordering ties on created_at
// are broken by id, so ids must sort in creation order.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
