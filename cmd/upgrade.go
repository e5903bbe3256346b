package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/upgrade"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// ErrUpgradeFailed is returned when the schema cannot be brought up to date
// without operator intervention.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun, status bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Apply pending schema migrations and data hooks (managed mode)",
		Long:  "Applies SQL migrations, then Go data hooks. Running it again is a no-op.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.IsManagedMode() {
				fmt.Println("Standalone mode: the SQLite schema is applied on open, nothing to upgrade.")
				return nil
			}
			if status {
				return printUpgradeStatus(cfg.Database.PostgresDSN)
			}
			return runUpgrade(cfg.Database.PostgresDSN, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be applied")
	cmd.Flags().BoolVar(&status, "status", false, "show schema and data hook status")
	return cmd
}

func openManagedDB(ctx context.Context, dsn string) (*sql.DB, *upgrade.SchemaStatus, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("check schema: %w", err)
	}
	return db, s, nil
}

func printUpgradeStatus(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, s, err := openManagedDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)

	switch {
	case s.Dirty:
		fmt.Println("  Status:          DIRTY")
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
		return nil
	case s.Compatible:
		fmt.Println("  Status:          UP TO DATE")
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Println("  Status:          BINARY TOO OLD")
	default:
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}

	if pending, err := upgrade.PendingHooks(ctx, db); err != nil {
		slog.Debug("could not list pending data hooks", "error", err)
	} else if len(pending) > 0 {
		fmt.Printf("\n  Pending data hooks: %d\n", len(pending))
		for _, name := range pending {
			fmt.Printf("    - %s\n", name)
		}
	}
	return nil
}

func runUpgrade(dsn string, dryRun bool) error {
	ctx := context.Background()
	db, s, err := openManagedDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if s.Dirty || s.CurrentVersion > s.RequiredVersion {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Println("  SQL schema is up to date.")
		}
		pending, err := upgrade.PendingHooks(ctx, db)
		if err != nil {
			return fmt.Errorf("list data hooks: %w", err)
		}
		fmt.Printf("  Would run %d data hook(s).\n", len(pending))
		return nil
	}

	if err := applyMigrations(ctx, db, dsn, s); err != nil {
		return err
	}
	fmt.Println("  Upgrade complete.")
	return nil
}

// applyMigrations runs the SQL migrations when needed, then any pending hooks.
func applyMigrations(ctx context.Context, db *sql.DB, dsn string, s *upgrade.SchemaStatus) error {
	if s.NeedsMigration {
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		slog.Info("schema migrated", "from", s.CurrentVersion, "to", v)
	}

	n, err := upgrade.RunPendingHooks(ctx, db)
	if err != nil {
		return fmt.Errorf("data hooks: %w", err)
	}
	if n > 0 {
		slog.Info("data hooks applied", "count", n)
	}
	return nil
}

// checkSchemaOrAutoUpgrade gates managed-mode startup on schema
// compatibility. An outdated schema is upgraded in place only when
// REPLYGUARD_AUTO_UPGRADE=true.
func checkSchemaOrAutoUpgrade(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, s, err := openManagedDB(ctx, dsn)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	defer db.Close()

	if s.Compatible {
		slog.Info("schema check passed", "version", s.CurrentVersion)
		return nil
	}
	if !errors.Is(s.Err(), upgrade.ErrSchemaOutdated) || os.Getenv("REPLYGUARD_AUTO_UPGRADE") != "true" {
		return errors.New(upgrade.FormatError(s))
	}

	slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
	if err := applyMigrations(ctx, db, dsn, s); err != nil {
		return fmt.Errorf("auto-upgrade: %w", err)
	}
	return nil
}
