package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert/ca"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity to the CA and the load balancer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Directory probe only, no account key required.
		authority, err := ca.New(ca.Config{
			DirectoryURL: cfg.CertificateAuthority.DirectoryURL,
			ProxyURL:     cfg.ProxyURL(),
		}, logger)
		if err != nil {
			return err
		}
		if err := authority.Ping(cmd.Context()); err != nil {
			fmt.Println("Could not connect to the CA. Check the log.")
			logger.Error("CA connectivity test failed", "error", err)
		} else {
			fmt.Println("The connection to the CA was successful.")
		}

		if _, err := newDevice(cmd.Context(), cfg); err != nil {
			fmt.Println("Could not connect to the load balancer. Check the log.")
			logger.Error("load balancer connectivity test failed", "error", err)
		} else {
			fmt.Println("The connection to the load balancer was successful.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
}
