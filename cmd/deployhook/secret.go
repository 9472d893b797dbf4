package main

import (
	"fmt"

	"deployhook/internal/security"

	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a random webhook secret",
	Long: `Print a cryptographically random secret suitable for WEBHOOK_SECRET and
the GitHub webhook configuration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}
