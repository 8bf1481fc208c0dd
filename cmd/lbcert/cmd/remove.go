package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert/cert"
)

var removeCmd = &cobra.Command{
	Use:   "remove <partition> <csrname>",
	Short: "Remove a certificate so that it won't get renewed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := buildRecordEngine(cfg)
		if err != nil {
			return err
		}
		if err := e.Remove(cmd.Context(), args[0], args[1]); err != nil {
			if errors.Is(err, cert.ErrCertificateNotFound) {
				return fmt.Errorf("the specified certificate was not found")
			}
			return err
		}
		logger.Info("certificate removed", "partition", args[0], "name", args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
