package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// humanAuthors are the author types whose outbound messages suppress automation.
var humanAuthors = []string{string(store.AuthorAdmin)}

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) Append(ctx context.Context, msg *store.Message) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; truncate so the caller's copy matches the row.
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, phone_number, phone_key, direction, author_type, body, provider_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, provider_message_id) WHERE provider_message_id <> '' DO NOTHING`,
		msg.ID, msg.TenantID, msg.PhoneNumber, store.PhoneKey(msg.PhoneNumber),
		string(msg.Direction), string(msg.AuthorType), msg.Body, msg.ProviderMessageID, msg.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return uuid.Nil, err
	}
	if n == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", store.ErrDuplicateMessage, msg.ProviderMessageID)
	}
	return msg.ID, nil
}

func (s *PGMessageStore) ListSince(ctx context.Context, tenantID, phone string, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, phone_number, direction, author_type, body, provider_message_id, created_at
		 FROM messages
		 WHERE tenant_id = $1 AND phone_key = $2 AND created_at >= $3
		 ORDER BY created_at, id`,
		tenantID, store.PhoneKey(phone), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var dir, author string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.PhoneNumber, &dir, &author, &m.Body, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = store.Direction(dir)
		m.AuthorType = store.AuthorType(author)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGMessageStore) HasHumanReplySince(ctx context.Context, tenantID, phone string, since time.Time) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = $1 AND phone_key = $2 AND created_at >= $3
			  AND direction = 'outbound' AND author_type = ANY($4)
		 )`,
		tenantID, store.PhoneKey(phone), since.UTC(), pq.Array(humanAuthors),
	).Scan(&found)
	return found, err
}
