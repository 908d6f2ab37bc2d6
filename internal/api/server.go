package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"autotrader/config"
	"autotrader/internal/auth"
	"autotrader/internal/database"
	"autotrader/internal/engine"
	"autotrader/internal/market"
)

// Engine is the set of public operations the API exposes
type Engine interface {
	CreateConditionalOrder(ctx context.Context, userID string, o *database.ConditionalOrder) (*database.ConditionalOrder, error)
	ListConditionalOrders(ctx context.Context, userID string, statuses ...database.ConditionalStatus) ([]*database.ConditionalOrder, error)
	CancelConditionalOrder(ctx context.Context, userID, id string) (*database.ConditionalOrder, error)

	CreateRule(ctx context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error)
	ListRules(ctx context.Context, userID string) ([]*database.TradingRule, error)
	UpdateRule(ctx context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error)
	DeleteRule(ctx context.Context, userID, id string) error
	ToggleRule(ctx context.Context, userID, id string, enabled bool) (*database.TradingRule, error)

	CreateBot(ctx context.Context, userID string, b *database.Bot) (*database.Bot, error)
	ListBots(ctx context.Context, userID string) ([]*database.Bot, error)
	StartBot(ctx context.Context, userID, id string) (*database.Bot, error)
	StopBot(ctx context.Context, userID, id string) (*database.Bot, error)
	DeleteBot(ctx context.Context, userID, id string) error

	StartAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error)
	StopAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error)
	ResumeAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error)
	UpdateAutoTradingConfig(ctx context.Context, userID string, cfg database.AutoTradingConfig) (*database.AutoTradingState, error)
	GetAutoTradingState(ctx context.Context, userID string) (*engine.AutoTradingStatus, error)

	GetTradeHistory(ctx context.Context, userID string, limit int) ([]*database.TradeExecution, error)
	GetSignals(ctx context.Context, symbols []string) ([]*market.Signal, error)
}

var _ Engine = (*engine.Service)(nil)

// HealthChecker reports the health of a dependency
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RateLimiter hands out one token bucket per key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per key with the given burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      Engine
	hub         *Hub
	config      config.ServerConfig
	jwt         *auth.JWTManager
	devUserID   string
	health      map[string]HealthChecker
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer creates a new API server. jwt may be nil when auth is disabled,
// in which case every request acts as devUserID.
func NewServer(cfg config.ServerConfig, eng Engine, hub *Hub, jwt *auth.JWTManager, devUserID string, logger zerolog.Logger) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		engine:      eng,
		hub:         hub,
		config:      cfg,
		jwt:         jwt,
		devUserID:   devUserID,
		health:      make(map[string]HealthChecker),
		rateLimiter: NewRateLimiter(120, 20),
		logger:      logger.With().Str("component", "api").Logger(),
		startedAt:   time.Now(),
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

// AddHealthCheck registers a dependency reported by /health
func (s *Server) AddHealthCheck(name string, hc HealthChecker) {
	s.health[name] = hc
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		evt := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = s.logger.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Str("user_id", auth.GetUserID(c)).
			Msg("HTTP request")
	}
}

// rateLimitMiddleware limits each caller across all endpoints
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	if s.jwt != nil {
		api.Use(auth.Middleware(s.jwt))
	} else {
		api.Use(auth.StaticUser(s.devUserID))
	}
	api.Use(s.rateLimitMiddleware())

	{
		api.POST("/conditional-orders", s.handleCreateConditionalOrder)
		api.GET("/conditional-orders", s.handleListConditionalOrders)
		api.DELETE("/conditional-orders/:id", s.handleCancelConditionalOrder)

		api.POST("/rules", s.handleCreateRule)
		api.GET("/rules", s.handleListRules)
		api.PUT("/rules/:id", s.handleUpdateRule)
		api.DELETE("/rules/:id", s.handleDeleteRule)
		api.POST("/rules/:id/toggle", s.handleToggleRule)

		api.POST("/bots", s.handleCreateBot)
		api.GET("/bots", s.handleListBots)
		api.POST("/bots/:id/start", s.handleStartBot)
		api.POST("/bots/:id/stop", s.handleStopBot)
		api.DELETE("/bots/:id", s.handleDeleteBot)

		api.GET("/autotrading", s.handleGetAutoTrading)
		api.POST("/autotrading/start", s.handleStartAutoTrading)
		api.POST("/autotrading/stop", s.handleStopAutoTrading)
		api.POST("/autotrading/resume", s.handleResumeAutoTrading)
		api.PUT("/autotrading/config", s.handleUpdateAutoTradingConfig)

		api.GET("/trades", s.handleGetTradeHistory)
		api.GET("/signals", s.handleGetSignals)

		if s.hub != nil {
			api.GET("/ws", s.handleWebSocket)
		}
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Int("port", s.config.Port).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := gin.H{}
	healthy := true
	for name, hc := range s.health {
		if err := hc.HealthCheck(ctx); err != nil {
			deps[name] = "unhealthy"
			healthy = false
			continue
		}
		deps[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
	})
}
