package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tradedesk/internal/controller"
	"tradedesk/internal/events"
	"tradedesk/internal/monitor"
	"tradedesk/internal/strategy"
	"tradedesk/pkg/db"
)

// Options tunes the HTTP edge.
type Options struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	TokenTTL       time.Duration
	Version        string
	Logger         zerolog.Logger
}

// Server wires HTTP endpoints around the per-user controllers.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Users     *controller.MultiUserManager
	Resolver  *strategy.Resolver
	Metrics   *monitor.Metrics
	JWTSecret string

	opts    Options
	logger  zerolog.Logger
	limiter *ipRateLimiter
}

func NewServer(bus *events.Bus, database *db.Database, users *controller.MultiUserManager, resolver *strategy.Resolver, metrics *monitor.Metrics, jwtSecret string, opts Options) *Server {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 72 * time.Hour
	}
	if resolver == nil {
		resolver = strategy.NewResolver(nil, nil)
	}
	logger := opts.Logger.With().Str("component", "api").Logger()

	s := &Server{
		Router:    gin.New(),
		Bus:       bus,
		DB:        database,
		Users:     users,
		Resolver:  resolver,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		opts:      opts,
		logger:    logger,
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(logger, metrics))
	s.Router.Use(RateLimitMiddleware(s.limiter, logger))
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware(opts.CORSOrigins))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/catalog", s.getCatalog)

			br := protected.Group("/broker")
			br.POST("/connect", s.connectBroker)
			br.GET("/status", s.brokerStatus)
			br.GET("/account", s.brokerAccount)
			br.POST("/autoconnect", s.autoConnectBroker)
			br.POST("/disconnect", s.disconnectBroker)
			br.GET("/profile", s.getProfile)
			br.POST("/profile", s.saveProfile)
			br.DELETE("/profile", s.deleteProfile)
			br.GET("/hints", s.getHints)
			br.PUT("/hints", s.updateHints)

			rk := protected.Group("/risk")
			rk.GET("/config", s.getRiskConfig)
			rk.PATCH("/config", s.updateRiskField)
			rk.POST("/lock", s.lockRisk)
			rk.GET("/lock", s.getRiskLock)
			rk.GET("/options", s.getRiskOptions)

			st := protected.Group("/settings")
			st.GET("", s.getSettings)
			st.PUT("/trader-type", s.setTraderType)
			st.PUT("/strategy", s.setStrategy)
			st.PUT("/timeframe", s.setTimeframe)
			st.PUT("/threshold", s.setThreshold)
			st.PUT("/weights", s.setWeights)
			st.POST("/execution-types/:type/toggle", s.toggleExecutionType)
			st.PUT("/execution-types/default", s.setDefaultExecutionType)
			st.PUT("/ai", s.setAIExtras)
			st.GET("/validate", s.validateSettings)
			st.POST("/save", s.saveSettings)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "version": s.opts.Version}
	if s.Users != nil {
		resp["active_users"] = s.Users.UserCount()
	}
	c.JSON(http.StatusOK, resp)
}

// RunLimiterReset clears the per-IP buckets every interval until ctx ends.
func (s *Server) RunLimiterReset(ctx context.Context, every time.Duration) {
	s.limiter.run(ctx, every)
}

// controllerFor resolves the caller's controller, opening it on first use.
func (s *Server) controllerFor(c *gin.Context) (*controller.Controller, bool) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "MISSING_USER", "no authenticated user")
		return nil, false
	}
	ctrl, err := s.Users.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("open controller failed")
		respondError(c, http.StatusInternalServerError, "CONTROLLER_UNAVAILABLE", err.Error())
		return nil, false
	}
	return ctrl, true
}
