package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// DeliveryLogStore implements store.DeliveryLogStore on SQLite.
type DeliveryLogStore struct {
	db *sql.DB
}

func NewDeliveryLogStore(db *sql.DB) *DeliveryLogStore {
	return &DeliveryLogStore{db: db}
}

func (s *DeliveryLogStore) RecordAttempts(ctx context.Context, refID uuid.UUID, purpose string, attempts []store.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_attempts (ref_id, purpose, channel, target, succeeded, error, attempted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			refID.String(), purpose, a.Channel, a.Target, a.Succeeded, a.Error, toMicros(a.AttemptedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DeliveryLogStore) ListAttempts(ctx context.Context, refID uuid.UUID) ([]store.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, target, succeeded, error, attempted_at
		 FROM delivery_attempts WHERE ref_id = ? ORDER BY id`, refID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeliveryAttempt
	for rows.Next() {
		var a store.DeliveryAttempt
		var at int64
		if err := rows.Scan(&a.Channel, &a.Target, &a.Succeeded, &a.Error, &at); err != nil {
			return nil, err
		}
		a.AttemptedAt = fromMicros(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
