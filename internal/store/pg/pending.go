package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// PGPendingStore implements store.PendingStore backed by Postgres.
// The partial unique index uq_pending_live guarantees at most one pending row
// per (tenant_id, phone_key).
type PGPendingStore struct {
	db *sql.DB
}

func NewPGPendingStore(db *sql.DB) *PGPendingStore {
	return &PGPendingStore{db: db}
}

const pendingColumns = `id, tenant_id, phone_number, original_message_id, original_text, generated_text, status,
	created_at, scheduled_for, processed_at, failure_reason, revision, COALESCE(claim_token, ''), claim_expires_at, attempts`

func (s *PGPendingStore) Schedule(ctx context.Context, pr *store.PendingResponse) (bool, error) {
	if pr.ID == uuid.Nil {
		pr.ID = store.GenNewID()
	}
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}
	pr.Status = store.StatusPending

	var inserted bool
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pending_responses (id, tenant_id, phone_number, phone_key, original_message_id, original_text,
			status, created_at, scheduled_for, failure_reason, revision, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, '', 0, 0)
		 ON CONFLICT (tenant_id, phone_key) WHERE status = 'pending'
		 DO UPDATE SET
			original_text = pending_responses.original_text || E'\n' || EXCLUDED.original_text,
			original_message_id = EXCLUDED.original_message_id,
			scheduled_for = GREATEST(pending_responses.scheduled_for, EXCLUDED.scheduled_for),
			revision = pending_responses.revision + 1
		 RETURNING id, created_at, scheduled_for, original_text, revision, (xmax = 0)`,
		pr.ID, pr.TenantID, pr.PhoneNumber, store.PhoneKey(pr.PhoneNumber), pr.OriginalMessageID, pr.OriginalText,
		pr.CreatedAt.UTC(), pr.ScheduledFor.UTC(),
	).Scan(&pr.ID, &pr.CreatedAt, &pr.ScheduledFor, &pr.OriginalText, &pr.Revision, &inserted)
	if err != nil {
		return false, fmt.Errorf("schedule pending response: %w", err)
	}
	return !inserted, nil
}

func (s *PGPendingStore) Get(ctx context.Context, id uuid.UUID) (*store.PendingResponse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_responses WHERE id = $1`, id)
	pr, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return pr, err
}

func (s *PGPendingStore) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses
		 SET claim_token = $2, claim_expires_at = $4, attempts = attempts + 1
		 WHERE id = $1 AND status = 'pending'
		   AND (claim_token IS NULL OR claim_expires_at <= $3)`,
		id, token, now.UTC(), now.Add(ttl).UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PGPendingStore) Release(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses SET claim_token = NULL, claim_expires_at = NULL
		 WHERE id = $1 AND claim_token = $2`,
		id, token)
	return err
}

func (s *PGPendingStore) Transition(ctx context.Context, id uuid.UUID, token string, to store.PendingStatus, upd store.TransitionUpdate) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("%w: to %q", store.ErrInvalidTransition, to)
	}
	var generated *string
	if upd.GeneratedText != "" {
		generated = &upd.GeneratedText
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses
		 SET status = $3, generated_text = COALESCE($4, generated_text), failure_reason = $5,
		     processed_at = $6, claim_token = NULL, claim_expires_at = NULL
		 WHERE id = $1 AND status = 'pending' AND claim_token = $2`,
		id, token, string(to), generated, upd.FailureReason, upd.At.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PGPendingStore) ListDue(ctx context.Context, now time.Time, limit int) ([]store.PendingResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_responses
		 WHERE status = 'pending' AND scheduled_for <= $1
		   AND (claim_token IS NULL OR claim_expires_at <= $1)
		 ORDER BY scheduled_for, id
		 LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PendingResponse
	for rows.Next() {
		pr, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*store.PendingResponse, error) {
	var pr store.PendingResponse
	var status string
	if err := row.Scan(&pr.ID, &pr.TenantID, &pr.PhoneNumber, &pr.OriginalMessageID, &pr.OriginalText,
		&pr.GeneratedText, &status, &pr.CreatedAt, &pr.ScheduledFor, &pr.ProcessedAt, &pr.FailureReason,
		&pr.Revision, &pr.ClaimToken, &pr.ClaimExpiresAt, &pr.Attempts); err != nil {
		return nil, err
	}
	pr.Status = store.PendingStatus(status)
	return &pr, nil
}
