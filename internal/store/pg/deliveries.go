package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// PGDeliveryLogStore implements store.DeliveryLogStore backed by Postgres.
type PGDeliveryLogStore struct {
	db *sql.DB
}

func NewPGDeliveryLogStore(db *sql.DB) *PGDeliveryLogStore {
	return &PGDeliveryLogStore{db: db}
}

func (s *PGDeliveryLogStore) RecordAttempts(ctx context.Context, refID uuid.UUID, purpose string, attempts []store.DeliveryAttempt) error {
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
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			refID, purpose, a.Channel, a.Target, a.Succeeded, a.Error, a.AttemptedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGDeliveryLogStore) ListAttempts(ctx context.Context, refID uuid.UUID) ([]store.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, target, succeeded, error, attempted_at
		 FROM delivery_attempts WHERE ref_id = $1 ORDER BY id`, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeliveryAttempt
	for rows.Next() {
		var a store.DeliveryAttempt
		if err := rows.Scan(&a.Channel, &a.Target, &a.Succeeded, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
