package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradedesk/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deskctl version %s\n", app.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
