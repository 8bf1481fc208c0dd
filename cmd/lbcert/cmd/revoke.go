package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert/cert"
)

var revokeReason int

// Accepted CRL reason codes: unspecified, key compromise, affiliation
// changed, superseded, cessation of operation.
var validRevokeReasons = map[int]bool{0: true, 1: true, 3: true, 4: true, 5: true}

var revokeCmd = &cobra.Command{
	Use:   "revoke <partition> <csrname>",
	Short: "Revoke a certificate at the CA",
	Long: `Revokes the specified certificate so it is no longer usable. Only do
this if the private key has been compromised; it is not necessary when a
certificate is just being retired.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !validRevokeReasons[revokeReason] {
			return fmt.Errorf("invalid revocation reason %d (accepted: 0, 1, 3, 4, 5)", revokeReason)
		}
		fmt.Println("This will REVOKE the specified certificate. It will no longer be usable.")
		fmt.Println("Type REVOKE (all caps) to continue.")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() || scanner.Text() != "REVOKE" {
			return fmt.Errorf("aborted")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := buildRecordEngine(cfg)
		if err != nil {
			return err
		}
		if err := e.Revoke(cmd.Context(), args[0], args[1], revokeReason); err != nil {
			if errors.Is(err, cert.ErrCertificateNotFound) {
				return fmt.Errorf("the specified certificate was not found")
			}
			return err
		}
		fmt.Printf("Certificate %s in partition %s revoked.\n", args[1], args[0])
		return nil
	},
}

func init() {
	revokeCmd.Flags().IntVar(&revokeReason, "reason", 0,
		"CRL reason code: 0 unspecified, 1 key compromise, 3 affiliation changed, 4 superseded, 5 cessation of operation")
	rootCmd.AddCommand(revokeCmd)
}
