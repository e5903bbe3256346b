package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// PendingStore implements store.PendingStore on SQLite.
type PendingStore struct {
	db *sql.DB
}

func NewPendingStore(db *sql.DB) *PendingStore {
	return &PendingStore{db: db}
}

const pendingColumns = `id, tenant_id, phone_number, original_message_id, original_text, generated_text, status,
	created_at, scheduled_for, processed_at, failure_reason, revision, COALESCE(claim_token, ''), claim_expires_at, attempts`

func (s *PendingStore) Schedule(ctx context.Context, pr *store.PendingResponse) (bool, error) {
	if pr.ID == uuid.Nil {
		pr.ID = store.GenNewID()
	}
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}
	pr.CreatedAt = pr.CreatedAt.UTC().Truncate(time.Microsecond)
	pr.ScheduledFor = pr.ScheduledFor.UTC().Truncate(time.Microsecond)
	pr.Status = store.StatusPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	key := store.PhoneKey(pr.PhoneNumber)
	existing, err := scanPending(tx.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_responses
		 WHERE tenant_id = ? AND phone_key = ? AND status = 'pending'`,
		pr.TenantID, key))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_responses (id, tenant_id, phone_number, phone_key, original_message_id, original_text,
				status, created_at, scheduled_for, failure_reason, revision, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, '', 0, 0)`,
			pr.ID.String(), pr.TenantID, pr.PhoneNumber, key, pr.OriginalMessageID.String(), pr.OriginalText,
			toMicros(pr.CreatedAt), toMicros(pr.ScheduledFor))
		if err != nil {
			return false, fmt.Errorf("schedule pending response: %w", err)
		}
		return false, tx.Commit()
	case err != nil:
		return false, err
	}

	scheduledFor := existing.ScheduledFor
	if pr.ScheduledFor.After(scheduledFor) {
		scheduledFor = pr.ScheduledFor
	}
	text := existing.OriginalText + "\n" + pr.OriginalText
	_, err = tx.ExecContext(ctx,
		`UPDATE pending_responses
		 SET original_text = ?, original_message_id = ?, scheduled_for = ?, revision = revision + 1
		 WHERE id = ? AND status = 'pending'`,
		text, pr.OriginalMessageID.String(), toMicros(scheduledFor), existing.ID.String())
	if err != nil {
		return false, fmt.Errorf("merge pending response: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	pr.ID = existing.ID
	pr.CreatedAt = existing.CreatedAt
	pr.ScheduledFor = scheduledFor
	pr.OriginalText = text
	pr.Revision = existing.Revision + 1
	return true, nil
}

func (s *PendingStore) Get(ctx context.Context, id uuid.UUID) (*store.PendingResponse, error) {
	pr, err := scanPending(s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_responses WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return pr, err
}

func (s *PendingStore) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses
		 SET claim_token = ?, claim_expires_at = ?, attempts = attempts + 1
		 WHERE id = ? AND status = 'pending'
		   AND (claim_token IS NULL OR claim_expires_at <= ?)`,
		token, toMicros(now.Add(ttl)), id.String(), toMicros(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PendingStore) Release(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses SET claim_token = NULL, claim_expires_at = NULL
		 WHERE id = ? AND status = 'pending' AND claim_token = ?`,
		id.String(), token)
	return err
}

func (s *PendingStore) Transition(ctx context.Context, id uuid.UUID, token string, to store.PendingStatus, upd store.TransitionUpdate) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("%w: to %q", store.ErrInvalidTransition, to)
	}
	var generated sql.NullString
	if upd.GeneratedText != "" {
		generated = sql.NullString{String: upd.GeneratedText, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_responses
		 SET status = ?, generated_text = COALESCE(?, generated_text), failure_reason = ?,
		     processed_at = ?, claim_token = NULL, claim_expires_at = NULL
		 WHERE id = ? AND status = 'pending' AND claim_token = ?`,
		string(to), generated, upd.FailureReason, toMicros(upd.At), id.String(), token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PendingStore) ListDue(ctx context.Context, now time.Time, limit int) ([]store.PendingResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_responses
		 WHERE status = 'pending' AND scheduled_for <= ?
		   AND (claim_token IS NULL OR claim_expires_at <= ?)
		 ORDER BY scheduled_for, id
		 LIMIT ?`,
		toMicros(now), toMicros(now), limit)
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
	var id, origID, status string
	var generated sql.NullString
	var created, scheduled int64
	var processed, claimExpires sql.NullInt64
	if err := row.Scan(&id, &pr.TenantID, &pr.PhoneNumber, &origID, &pr.OriginalText, &generated, &status,
		&created, &scheduled, &processed, &pr.FailureReason, &pr.Revision, &pr.ClaimToken, &claimExpires, &pr.Attempts); err != nil {
		return nil, err
	}
	var err error
	if pr.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if pr.OriginalMessageID, err = uuid.Parse(origID); err != nil {
		return nil, err
	}
	if generated.Valid {
		pr.GeneratedText = &generated.String
	}
	pr.Status = store.PendingStatus(status)
	pr.CreatedAt = fromMicros(created)
	pr.ScheduledFor = fromMicros(scheduled)
	pr.ProcessedAt = fromNullMicros(processed)
	pr.ClaimExpiresAt = fromNullMicros(claimExpires)
	return &pr, nil
}
