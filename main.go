package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tradedesk/internal/app"
	"tradedesk/pkg/config"
	"tradedesk/pkg/i18n"
	"tradedesk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, i18n.M().ConfigLoadFailed+"\n", err)
		os.Exit(1)
	}

	i18n.SetLanguage(i18n.ParseLanguage(cfg.Language))
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", app.Version).Msg(i18n.M().Starting)
	log.Info().Msg(i18n.M().ConfigLoaded)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
}
