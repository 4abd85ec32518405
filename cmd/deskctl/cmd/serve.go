package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradedesk/internal/app"
	"tradedesk/pkg/i18n"
	"tradedesk/pkg/logger"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort != "" {
			cfg.Port = servePort
		}

		log := logger.New(cfg.LogLevel, cfg.LogFormat)
		log.Info().Str("version", app.Version).Msg(i18n.M().Starting)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides PORT)")
}
