package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/store"
)

func optoutCmd() *cobra.Command {
	var (
		tenant string
		enable bool
	)
	cmd := &cobra.Command{
		Use:   "optout <phone>",
		Short: "Turn automated replies off (or back on) for a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if store.NormalizeDigits(args[0]) == "" {
				return fmt.Errorf("invalid phone number %q", args[0])
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if tenant == "" {
				tenant = cfg.Gateway.DefaultTenant
			}

			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return setAutomation(ctx, stores.Contacts, tenant, args[0], !enable)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (default: gateway.default_tenant)")
	cmd.Flags().BoolVar(&enable, "enable", false, "re-enable automated replies instead")
	return cmd
}

func setAutomation(ctx context.Context, contacts store.ContactStore, tenant, phone string, disabled bool) error {
	changed, err := contacts.SetAutomationDisabled(ctx, tenant, phone, disabled)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	state := "enabled"
	if disabled {
		state = "disabled"
	}
	if !changed {
		fmt.Printf("Automation already %s for %s (tenant %s).\n", state, phone, tenant)
		return nil
	}
	fmt.Printf("Automation %s for %s (tenant %s).\n", state, phone, tenant)
	return nil
}
