package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/app"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [config-file]",
		Short: "Purge expired locks, handoff codes and old webhook events once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			db, err := app.OpenStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()

			sw := sweeper.New(db,
				sweeper.WithRetention(cfg.Webhook.Retention.Duration),
				sweeper.WithLogger(newLogger(cfg.Logging, os.Stderr)))
			res, err := sw.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d locks, %d handoff codes, %d webhook events\n", res.Locks, res.Handoffs, res.Events)
			return err
		},
	}
}
