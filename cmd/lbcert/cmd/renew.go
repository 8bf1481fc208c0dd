package cmd

import (
	"github.com/spf13/cobra"
)

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew and install certificates that need it",
	Long: `Goes through all the issued certificates, renews the ones about to
expire, installs the ones whose install delay has passed, and sweeps
expired backups. Intended to be run from a scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, cleanup, err := buildEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return e.RunRenewals(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(renewCmd)
}
