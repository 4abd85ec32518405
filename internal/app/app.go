// Package app assembles the desk backend from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/api"
	"tradedesk/internal/broker"
	"tradedesk/internal/controller"
	"tradedesk/internal/events"
	"tradedesk/internal/hints"
	"tradedesk/internal/monitor"
	"tradedesk/internal/profile"
	"tradedesk/internal/session"
	"tradedesk/internal/strategy"
	"tradedesk/pkg/config"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/db"
	"tradedesk/pkg/i18n"
	"tradedesk/pkg/logger"
)

// Version is stamped at build time with -ldflags.
var Version = "v1.0-dev"

// App holds the long-lived collaborators of one process.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *db.Database
	Bus      *events.Bus
	Resolver *strategy.Resolver
	Pool     *broker.Pool
	Users    *controller.MultiUserManager
	Metrics  *monitor.Metrics
	API      *api.Server

	hintStore hints.Store
	closers   []func()
}

// New opens the database, builds the broker pool and the per-user
// controller manager, and prepares the HTTP server. Nothing runs until Run.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Bus: events.NewBus()}

	log.Info().Msgf(i18n.M().UsingDBPath, cfg.DBPath)
	database, err := OpenDatabase(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.DB = database
	a.closers = append(a.closers, func() { _ = database.Close() })

	a.Resolver, err = BuildResolver(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hintStore = a.buildHintStore()

	keys, err := crypto.NewKeyManagerFromEnv()
	switch {
	case errors.Is(err, crypto.ErrKeyNotFound):
		log.Warn().Msg(i18n.M().CredentialCacheOff)
		keys = nil
	case err != nil:
		a.Close()
		return nil, fmt.Errorf("load master key: %w", err)
	default:
		log.Info().Msgf(i18n.M().CredentialCacheOn, keys.CurrentVersion())
	}

	factory, err := broker.NewTerminalFactory(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	log.Info().Msgf(i18n.M().BrokerMode, cfg.BrokerMode)
	a.Pool = broker.NewPool(factory, keys, broker.PoolConfigFrom(cfg), log)
	a.closers = append(a.closers, a.Pool.Stop)

	a.Metrics = monitor.NewMetrics()
	a.Metrics.WatchPool(a.Pool.Stats)

	queries := database.Queries()
	a.Users = controller.NewMultiUserManager(func(userID string) (session.BrokerAPI, controller.Stores, error) {
		store := profile.ForUser(queries, userID)
		return a.Pool.For(userID), controller.Stores{
			Profiles:  store,
			Hints:     hints.ForUser(a.hintStore, userID),
			Locks:     store,
			Documents: store,
		}, nil
	}, controller.Deps{
		Resolver:     a.Resolver,
		Bus:          a.Bus,
		Logger:       log,
		OnTransition: a.Metrics.ObserveTransition,
		OnLock:       a.Metrics.ObserveLock,
	})
	a.closers = append(a.closers, a.Users.CloseAll)
	a.Metrics.WatchUsers(a.Users.UserCount)

	a.API = api.NewServer(a.Bus, database, a.Users, a.Resolver, a.Metrics, cfg.JWTSecret, api.Options{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        Version,
		Logger:         log,
	})
	return a, nil
}

// OpenDatabase opens the SQLite file and applies migrations.
func OpenDatabase(path string) (*db.Database, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, fmt.Errorf(i18n.M().DBInitFailed, err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf(i18n.M().DBMigrationsFailed, err)
	}
	return database, nil
}

// BuildResolver loads the catalog override when one is configured.
func BuildResolver(cfg *config.Config, log zerolog.Logger) (*strategy.Resolver, error) {
	if cfg.CatalogPath == "" {
		return strategy.NewResolver(nil, nil), nil
	}
	cat, err := strategy.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf(i18n.M().CatalogLoadFailed, err)
	}
	log.Info().Msgf(i18n.M().CatalogLoaded, cfg.CatalogPath)
	return strategy.NewResolver(cat, nil), nil
}

func (a *App) buildHintStore() hints.Store {
	if !a.Config.RedisEnabled {
		a.Logger.Info().Msg(i18n.M().HintStoreMemory)
		return hints.NewMemoryStore()
	}
	store := hints.NewRedisStore(hints.RedisConfig{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
		PoolSize: a.Config.RedisPoolSize,
		TTL:      a.Config.HintTTL,
	}, a.Logger)
	a.closers = append(a.closers, func() { _ = store.Close() })
	if store.IsHealthy() {
		a.Logger.Info().Msgf(i18n.M().HintStoreRedis, a.Config.RedisAddr)
	} else {
		a.Logger.Warn().Msg(i18n.M().HintStoreFallback)
	}
	return store
}

// Run starts the background loops and serves HTTP until ctx ends, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.Pool.Start(ctx)

	mon := &monitor.Monitor{
		Bus:     a.Bus,
		Metrics: a.Metrics,
		Sink:    monitor.LogSink{Logger: logger.Component(a.Logger, "alerts")},
		Logger:  logger.Component(a.Logger, "monitor"),
	}
	mon.Start(ctx)

	if ttl := a.Config.SessionIdleTTL; ttl > 0 {
		go a.Users.RunCleanup(ctx, ttl/2, ttl)
		a.Logger.Info().Msgf(i18n.M().SessionReaperActive, ttl)
	}
	go a.API.RunLimiterReset(ctx, 10*time.Minute)

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.API.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Msgf(i18n.M().ServerListening, a.Config.Port)
		a.Logger.Info().Msg(i18n.M().MetricsEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf(i18n.M().APIServerError, err)
		}
	}

	a.Logger.Info().Msg(i18n.M().ShuttingDown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases everything New opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
