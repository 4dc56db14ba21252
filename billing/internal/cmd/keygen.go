package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a handoff encryption key and a JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.GenerateHandoffKey()
			if err != nil {
				return err
			}
			secret, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "HANDOFF_ENCRYPTION_KEY=%s\n", key)
			fmt.Fprintf(cmd.OutOrStdout(), "AUTH_JWT_SECRET=%s\n", secret)
			return nil
		},
	}
}
