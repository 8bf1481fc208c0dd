package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert/cert"
)

var newUseDNS bool

var newCmd = &cobra.Command{
	Use:   "new <partition> <csrname>",
	Short: "Request a new certificate for a CSR staged on the device",
	Args:  cobra.ExactArgs(2),
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

		validationMethod := cert.DefaultValidationMethod
		if newUseDNS {
			validationMethod = "dns-01"
		}
		fmt.Println("Getting a new certificate from the CA. This may take a while...")
		if err := e.NewCertificate(cmd.Context(), args[0], args[1], validationMethod); err != nil {
			return err
		}
		fmt.Println("Done.")
		return nil
	},
}

func init() {
	newCmd.Flags().BoolVar(&newUseDNS, "dns", false,
		"use DNS validation instead of HTTP (requires a DNS publisher integration)")
	rootCmd.AddCommand(newCmd)
}
