package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// ContactStore implements store.ContactStore on SQLite.
type ContactStore struct {
	db *sql.DB
}

func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

func (s *ContactStore) FindByPhone(ctx context.Context, tenantID, phone string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, phone_number, display_name, profile, automation_disabled,
			last_contact_at, created_at, updated_at, deleted_at
		 FROM contacts
		 WHERE tenant_id = ? AND phone_key = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		tenantID, store.PhoneKey(phone))

	var c store.Contact
	var id, profile string
	var lastContact, deleted sql.NullInt64
	var created, updated int64
	err := row.Scan(&id, &c.TenantID, &c.PhoneNumber, &c.DisplayName, &profile, &c.AutomationDisabled,
		&lastContact, &created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if profile != "" {
		if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
			return nil, fmt.Errorf("decode contact profile: %w", err)
		}
	}
	c.LastContactAt = fromNullMicros(lastContact)
	c.DeletedAt = fromNullMicros(deleted)
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return &c, nil
}

func (s *ContactStore) SetAutomationDisabled(ctx context.Context, tenantID, phone string, disabled bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	key := store.PhoneKey(phone)
	now := toMicros(time.Now())

	var id string
	var current bool
	err = tx.QueryRowContext(ctx,
		`SELECT id, automation_disabled FROM contacts
		 WHERE tenant_id = ? AND phone_key = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		tenantID, key).Scan(&id, &current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !disabled {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contacts (id, tenant_id, phone_number, phone_key, display_name, profile, automation_disabled, created_at, updated_at)
			 VALUES (?, ?, ?, ?, '', '{}', 1, ?, ?)`,
			store.GenNewID().String(), tenantID, phone, key, now, now)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case current == disabled:
		return false, nil
	default:
		if _, err = tx.ExecContext(ctx,
			`UPDATE contacts SET automation_disabled = ?, updated_at = ? WHERE id = ?`,
			disabled, now, id); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ContactStore) TouchLastContact(ctx context.Context, tenantID, phone string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET last_contact_at = ?
		 WHERE tenant_id = ? AND phone_key = ? AND deleted_at IS NULL
		   AND (last_contact_at IS NULL OR last_contact_at < ?)`,
		toMicros(at), tenantID, store.PhoneKey(phone), toMicros(at))
	return err
}

func (s *ContactStore) Upsert(ctx context.Context, c *store.Contact) error {
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	profile := []byte("{}")
	if c.Profile != nil {
		var err error
		if profile, err = json.Marshal(c.Profile); err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, phone_number, phone_key, display_name, profile, automation_disabled,
			last_contact_at, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			phone_number = excluded.phone_number, phone_key = excluded.phone_key,
			display_name = excluded.display_name, profile = excluded.profile,
			automation_disabled = excluded.automation_disabled, last_contact_at = excluded.last_contact_at,
			updated_at = excluded.updated_at, deleted_at = excluded.deleted_at`,
		c.ID.String(), c.TenantID, c.PhoneNumber, store.PhoneKey(c.PhoneNumber), c.DisplayName, string(profile),
		c.AutomationDisabled, nullMicros(c.LastContactAt), toMicros(c.CreatedAt), toMicros(c.UpdatedAt), nullMicros(c.DeletedAt),
	)
	return err
}
