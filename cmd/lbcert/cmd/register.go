package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert"
	"github.com/caasmo/lbcert/config"
)

var registerEmail string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Generate an account key and register it with the CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.CreateAccountKey(); err != nil {
			if err == config.ErrKeyAlreadyExists {
				return fmt.Errorf("the account key already exists; you cannot register a key twice, delete it to register again")
			}
			return err
		}
		authority, err := newAuthority(cfg)
		if err != nil {
			return err
		}
		if err := authority.Register(cmd.Context(), registerEmail); err != nil {
			// A key without a registration is useless; roll it back so a
			// later attempt can start clean.
			if delErr := cfg.DeleteAccountKey(); delErr != nil {
				logger.Error("could not roll back account key", "error", delErr)
			}
			return err
		}
		fmt.Println("Registration successful.")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(lbcert.Version)
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "contact address to register with the CA (required)")
	_ = registerCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)
}
