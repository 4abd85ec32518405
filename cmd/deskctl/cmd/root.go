package cmd

import (
	"github.com/spf13/cobra"

	"tradedesk/pkg/config"
	"tradedesk/pkg/i18n"
)

var rootCmd = &cobra.Command{
	Use:   "deskctl",
	Short: "Operate the trading desk backend",
	Long: `deskctl runs and inspects the trading desk backend: the HTTP server that
owns broker sessions and risk locks, its database, and the strategy catalog.

Configuration comes from the environment (and .env), the same way the server
reads it.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the environment and applies the configured language.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	i18n.SetLanguage(i18n.ParseLanguage(cfg.Language))
	return cfg, nil
}
