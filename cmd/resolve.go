package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replyguard/internal/arbiter"
	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/store"
)

func resolveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "resolve <pending-id>",
		Short: "Run the arbitration for one pending reply now",
		Long: "Resolves a pending reply from the command line. Without --force a reply that is not yet " +
			"due is left alone. Every other guard, including the human-reply check, still applies.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pending id %q: %w", args[0], err)
			}
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runResolve(cmd.Context(), cfg, id, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "resolve even if the deferment has not elapsed")
	return cmd
}

func runResolve(ctx context.Context, cfg *config.Config, id uuid.UUID, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer a.channels.StopAll(context.Background())

	var res *arbiter.Result
	if force {
		res, err = a.engine.ForceResolve(ctx, id)
	} else {
		res, err = a.engine.Resolve(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("pending reply %s not found", id)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
