package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradedesk/internal/app"
)

var migrateDBPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.DBPath
		if migrateDBPath != "" {
			path = migrateDBPath
		}
		database, err := app.OpenDatabase(path)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVarP(&migrateDBPath, "db", "d", "", "database path (overrides DB_PATH)")
}
