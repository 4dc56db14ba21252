package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
)

// newTokenCmd mints an access token signed with the configured shared secret, for local
// testing against a service that verifies HS256 tokens.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Issue a development access token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != "jwt" {
				return fmt.Errorf("token issuing needs the jwt provider, config uses %q", cfg.Auth.Provider)
			}

			user, _ := cmd.Flags().GetString("user")
			email, _ := cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if user == "" {
				return fmt.Errorf("--user is required")
			}

			tok, err := auth.NewSharedSecretProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience).Issue(user, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (token subject)")
	cmd.Flags().String("email", "", "email claim")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
