package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, msg *store.Message) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, phone_number, phone_key, direction, author_type, body, provider_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		msg.ID.String(), msg.TenantID, msg.PhoneNumber, store.PhoneKey(msg.PhoneNumber),
		string(msg.Direction), string(msg.AuthorType), msg.Body, msg.ProviderMessageID, toMicros(msg.CreatedAt),
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

func (s *MessageStore) ListSince(ctx context.Context, tenantID, phone string, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, phone_number, direction, author_type, body, provider_message_id, created_at
		 FROM messages
		 WHERE tenant_id = ? AND phone_key = ? AND created_at >= ?
		 ORDER BY created_at, id`,
		tenantID, store.PhoneKey(phone), toMicros(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var id, dir, author string
		var created int64
		if err := rows.Scan(&id, &m.TenantID, &m.PhoneNumber, &dir, &author, &m.Body, &m.ProviderMessageID, &created); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		m.Direction = store.Direction(dir)
		m.AuthorType = store.AuthorType(author)
		m.CreatedAt = fromMicros(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) HasHumanReplySince(ctx context.Context, tenantID, phone string, since time.Time) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = ? AND phone_key = ? AND created_at >= ?
			  AND direction = 'outbound' AND author_type = 'admin'
		 )`,
		tenantID, store.PhoneKey(phone), toMicros(since),
	).Scan(&found)
	return found, err
}
