package pg

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

// PGContactStore implements store.ContactStore backed by Postgres.
type PGContactStore struct {
	db *sql.DB
}

func NewPGContactStore(db *sql.DB) *PGContactStore {
	return &PGContactStore{db: db}
}

const contactColumns = `id, tenant_id, phone_number, display_name, profile, automation_disabled,
	last_contact_at, created_at, updated_at, deleted_at`

func (s *PGContactStore) FindByPhone(ctx context.Context, tenantID, phone string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE tenant_id = $1 AND phone_key = $2 AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		tenantID, store.PhoneKey(phone))
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *PGContactStore) SetAutomationDisabled(ctx context.Context, tenantID, phone string, disabled bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	key := store.PhoneKey(phone)
	// Serialize setters for the same conversation so two opt-outs for an
	// unknown number create one contact.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+":"+key); err != nil {
		return false, fmt.Errorf("lock contact: %w", err)
	}

	now := time.Now().UTC()
	var id string
	var current bool
	err = tx.QueryRowContext(ctx,
		`SELECT id, automation_disabled FROM contacts
		 WHERE tenant_id = $1 AND phone_key = $2 AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		tenantID, key).Scan(&id, &current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !disabled {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contacts (id, tenant_id, phone_number, phone_key, display_name, profile, automation_disabled, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, '', '{}', true, $5, $5)`,
			store.GenNewID(), tenantID, phone, key, now)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case current == disabled:
		return false, nil
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE contacts SET automation_disabled = $2, updated_at = $3 WHERE id = $1`,
			id, disabled, now)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGContactStore) TouchLastContact(ctx context.Context, tenantID, phone string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET last_contact_at = $3
		 WHERE tenant_id = $1 AND phone_key = $2 AND deleted_at IS NULL
		   AND (last_contact_at IS NULL OR last_contact_at < $3)`,
		tenantID, store.PhoneKey(phone), at.UTC())
	return err
}

func (s *PGContactStore) Upsert(ctx context.Context, c *store.Contact) error {
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

	profile, err := json.Marshal(c.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if c.Profile == nil {
		profile = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, phone_number, phone_key, display_name, profile, automation_disabled,
			last_contact_at, created_at, updated_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			phone_number = EXCLUDED.phone_number, phone_key = EXCLUDED.phone_key,
			display_name = EXCLUDED.display_name, profile = EXCLUDED.profile,
			automation_disabled = EXCLUDED.automation_disabled, last_contact_at = EXCLUDED.last_contact_at,
			updated_at = EXCLUDED.updated_at, deleted_at = EXCLUDED.deleted_at`,
		c.ID, c.TenantID, c.PhoneNumber, store.PhoneKey(c.PhoneNumber), c.DisplayName, profile,
		c.AutomationDisabled, c.LastContactAt, c.CreatedAt, c.UpdatedAt, c.DeletedAt,
	)
	return err
}

func scanContact(row *sql.Row) (*store.Contact, error) {
	var c store.Contact
	var profile []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.PhoneNumber, &c.DisplayName, &profile, &c.AutomationDisabled,
		&c.LastContactAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &c.Profile); err != nil {
			return nil, fmt.Errorf("decode contact profile: %w", err)
		}
	}
	return &c, nil
}
