package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/caasmo/lbcert/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the folder structure and a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, folder := range []string{"config", "cert", filepath.Join("cert", "backup")} {
			if err := os.MkdirAll(folder, 0o750); err != nil {
				return fmt.Errorf("could not create folder %s: %w", folder, err)
			}
		}
		if _, err := os.Stat(configFile); err == nil {
			fmt.Println("The config file already exists. Not touching it.")
			return nil
		}
		if err := config.WriteDefault(configFile); err != nil {
			return err
		}
		fmt.Println("Done. Adjust the configuration file as needed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
