package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"tradedesk/internal/app"
	"tradedesk/internal/profile"
)

var riskUserID string

var riskStatusCmd = &cobra.Command{
	Use:   "risk-status",
	Short: "Show the persisted risk lock of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := app.OpenDatabase(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		status, err := profile.ForUser(database.Queries(), riskUserID).GetRiskLockStatus(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

func init() {
	rootCmd.AddCommand(riskStatusCmd)
	riskStatusCmd.Flags().StringVarP(&riskUserID, "user", "u", "", "user id (required)")
	_ = riskStatusCmd.MarkFlagRequired("user")
}
