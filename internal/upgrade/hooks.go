package upgrade

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

func init() {
	RegisterDataHook(1, "001_backfill_contact_phone_key", BackfillContactPhoneKeys)
}

// BackfillContactPhoneKeys fills phone_key for contacts written by external
// CRM imports that only set phone_number. Messages are append-only and always
// written through the store, so they never need it.
func BackfillContactPhoneKeys(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, phone_number FROM contacts WHERE phone_key = ''`)
	if err != nil {
		return fmt.Errorf("list contacts without phone key: %w", err)
	}
	type pending struct{ id, key string }
	var todo []pending
	for rows.Next() {
		var id, phone string
		if err := rows.Scan(&id, &phone); err != nil {
			rows.Close()
			return err
		}
		todo = append(todo, pending{id: id, key: store.PhoneKey(phone)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		if _, err := tx.ExecContext(ctx, `UPDATE contacts SET phone_key = $1 WHERE id = $2`, p.key, p.id); err != nil {
			return fmt.Errorf("backfill contact %s: %w", p.id, err)
		}
	}
	return nil
}
