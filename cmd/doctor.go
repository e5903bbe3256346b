package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/upgrade"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and channel health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("replyguard doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error:\n    %s\n", strings.ReplaceAll(err.Error(), "\n", "\n    "))
		return
	}

	t := cfg.Timings()
	fmt.Println()
	fmt.Println("  Arbitration:")
	fmt.Printf("    %-12s %s\n", "Deferment:", t.Deferment)
	fmt.Printf("    %-12s %s\n", "Window:", t.HumanWindow)
	fmt.Printf("    %-12s %s\n", "Claim TTL:", t.ClaimTTL)
	fmt.Printf("    %-12s %s\n", "Sweep:", cfg.Arbitration.SweepCron)

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkManagedDB(cfg.Database.PostgresDSN)
	} else {
		path := config.ExpandHome(cfg.Database.SQLitePath)
		fmt.Printf("    %-12s standalone\n", "Mode:")
		fmt.Printf("    %-12s %s", "File:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (created on first start)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("  Generator:")
	fmt.Printf("    %-12s %s @ %s\n", "Model:", cfg.Generator.Model, cfg.Generator.APIBase)
	fmt.Printf("    %-12s %s\n", "API key:", maskKey(cfg.Generator.APIKey))

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("SMS", cfg.Channels.SMS.Enabled, cfg.Channels.SMS.AccountSID != "" && cfg.Channels.SMS.AuthToken != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Routing:")
	fmt.Printf("    %-12s %s\n", "Customers:", cfg.Delivery.CustomerChannel)
	operator := cfg.Notifications.Channel
	if operator == "" {
		operator = "(none, notifications are only logged)"
	}
	fmt.Printf("    %-12s %s (%d target(s))\n", "Operators:", operator, len(cfg.Notifications.Targets))
	if cfg.Notifications.FallbackChannel != "" {
		fmt.Printf("    %-12s %s\n", "Fallback:", cfg.Notifications.FallbackChannel)
	}
	if cfg.Gateway.Token == "" {
		fmt.Println("    WARNING: gateway.token is empty; operator endpoints are unauthenticated")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkManagedDB(dsn string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, see: replyguard upgrade --status)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: replyguard upgrade)\n", "Schema:", s.CurrentVersion)
	}

	if pending, err := upgrade.PendingHooks(ctx, db); err == nil {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	}
}

// maskKey keeps the first and last four characters of long keys.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(not configured)"
	case len(key) <= 12:
		return strings.Repeat("*", len(key))
	default:
		return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
