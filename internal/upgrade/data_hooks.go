package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// HookFunc rewrites existing rows after the SQL migration for its schema
// version has been applied. It runs inside the transaction that records it.
type HookFunc func(ctx context.Context, tx *sql.Tx) error

type hook struct {
	version uint
	name    string
	fn      HookFunc
}

var hooks []hook

// RegisterDataHook adds a hook. Names must be unique; hooks run ordered by
// schema version, then registration order.
func RegisterDataHook(schemaVersion uint, name string, fn HookFunc) {
	for _, h := range hooks {
		if h.name == name {
			panic(fmt.Sprintf("upgrade: duplicate data hook %q", name))
		}
	}
	hooks = append(hooks, hook{version: schemaVersion, name: name, fn: fn})
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].version < hooks[j].version })
}

// PendingHooks lists the hooks not yet recorded in data_migrations.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	done, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range hooks {
		if !done[h.name] {
			names = append(names, h.name)
		}
	}
	return names, nil
}

// RunPendingHooks applies every pending hook, each in its own transaction
// together with its data_migrations row. It returns how many ran.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	done, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, h := range hooks {
		if done[h.name] {
			continue
		}
		start := time.Now()
		if err := runHook(ctx, db, h); err != nil {
			return ran, err
		}
		slog.Info("upgrade.data_hook_applied", "name", h.name, "schema_version", h.version, "duration", time.Since(start))
		ran++
	}
	return ran, nil
}

func runHook(ctx context.Context, db *sql.DB, h hook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("data hook %q: begin: %w", h.name, err)
	}
	defer tx.Rollback()

	if err := h.fn(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", h.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, $3)`,
		h.name, h.version, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("data hook %q: record: %w", h.name, err)
	}
	return tx.Commit()
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS data_migrations (
		name       VARCHAR(255) PRIMARY KEY,
		version    INT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM data_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}
