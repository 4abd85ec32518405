package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradedesk/pkg/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key for the sealed credential cache",
	Long: `keygen prints a random 32-byte key, base64 encoded. Put it in
MASTER_ENCRYPTION_KEY; when rotating, move the old key to
MASTER_ENCRYPTION_KEY_V<n> so existing entries still open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", crypto.EnvKey, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
