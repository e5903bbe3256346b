// Package sqlite implements the stores on a single SQLite file (standalone mode).
// SQLite allows one writer at a time, so the pool is pinned to one connection;
// every conditional update is therefore serialized and read-your-writes holds.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// Open creates or opens the database at path and applies the schema.
// Idempotent: safe to call on an existing database.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite file.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "replyguard.db"
	}
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Messages:   NewMessageStore(db),
		Contacts:   NewContactStore(db),
		Pending:    NewPendingStore(db),
		Deliveries: NewDeliveryLogStore(db),
		DB:         db,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT    NOT NULL,
		phone_number        TEXT    NOT NULL,
		phone_key           TEXT    NOT NULL,
		direction           TEXT    NOT NULL CHECK (direction IN ('inbound', 'outbound')),
		author_type         TEXT    NOT NULL CHECK (author_type IN ('customer', 'admin', 'automation', 'system')),
		body                TEXT    NOT NULL DEFAULT '',
		provider_message_id TEXT    NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(tenant_id, phone_key, created_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_provider_id ON messages(tenant_id, provider_message_id)
		WHERE provider_message_id <> '';

	CREATE TRIGGER IF NOT EXISTS trg_messages_no_update BEFORE UPDATE ON messages
	BEGIN SELECT RAISE(ABORT, 'messages is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_messages_no_delete BEFORE DELETE ON messages
	BEGIN SELECT RAISE(ABORT, 'messages is append-only'); END;

	CREATE TABLE IF NOT EXISTS contacts (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT    NOT NULL,
		phone_number        TEXT    NOT NULL,
		phone_key           TEXT    NOT NULL,
		display_name        TEXT    NOT NULL DEFAULT '',
		profile             TEXT    NOT NULL DEFAULT '{}',
		automation_disabled INTEGER NOT NULL DEFAULT 0,
		last_contact_at     INTEGER,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		deleted_at          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(tenant_id, phone_key, updated_at);

	CREATE TABLE IF NOT EXISTS pending_responses (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT    NOT NULL,
		phone_number        TEXT    NOT NULL,
		phone_key           TEXT    NOT NULL,
		original_message_id TEXT    NOT NULL,
		original_text       TEXT    NOT NULL,
		generated_text      TEXT,
		status              TEXT    NOT NULL DEFAULT 'pending'
		                    CHECK (status IN ('pending', 'cancelled', 'processed', 'failed')),
		created_at          INTEGER NOT NULL,
		scheduled_for       INTEGER NOT NULL,
		processed_at        INTEGER,
		failure_reason      TEXT    NOT NULL DEFAULT '',
		revision            INTEGER NOT NULL DEFAULT 0,
		claim_token         TEXT,
		claim_expires_at    INTEGER,
		attempts            INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_live ON pending_responses(tenant_id, phone_key) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_responses(scheduled_for) WHERE status = 'pending';

	CREATE TRIGGER IF NOT EXISTS trg_pending_terminal_guard BEFORE UPDATE ON pending_responses
	WHEN OLD.status <> 'pending'
	BEGIN SELECT RAISE(ABORT, 'pending response is already resolved'); END;

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		ref_id       TEXT    NOT NULL,
		purpose      TEXT    NOT NULL,
		channel      TEXT    NOT NULL,
		target       TEXT    NOT NULL,
		succeeded    INTEGER NOT NULL,
		error        TEXT    NOT NULL DEFAULT '',
		attempted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_ref ON delivery_attempts(ref_id, id);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Timestamps are stored as unix microseconds so that ordering and range
// comparisons are plain integer comparisons.
func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
