// Package server wires the HTTP API, the session channel, and the
// background jobs together.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/timevision/hub/internal/anomaly"
	"github.com/timevision/hub/internal/auth"
	"github.com/timevision/hub/internal/config"
	"github.com/timevision/hub/internal/health"
	"github.com/timevision/hub/internal/logging"
	"github.com/timevision/hub/internal/metrics"
	"github.com/timevision/hub/internal/platform"
	"github.com/timevision/hub/internal/ratelimit"
	"github.com/timevision/hub/internal/realtime"
	"github.com/timevision/hub/internal/security"
	"github.com/timevision/hub/internal/session"
	"github.com/timevision/hub/internal/settlement"
	"github.com/timevision/hub/internal/validation"
	"github.com/timevision/hub/internal/watchdog"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	db       *sql.DB
	rdb      *redis.Client
	verifier *auth.Verifier

	platforms platform.Store
	tracker   *session.Tracker
	watchdog  *watchdog.Watchdog
	detector  *anomaly.Detector
	engine    *settlement.Engine
	scheduler *settlement.Scheduler
	hub       *realtime.Hub

	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Durable storage
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("connected to PostgreSQL", "url", maskDSN(cfg.DatabaseURL))

	// Live session state
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.rdb = redis.NewClient(redisOpts)
	if err := s.rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.logger.Info("connected to Redis", "addr", redisOpts.Addr)

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	s.platforms = platform.NewPostgresStore(db)

	// Session tracker over Redis (live state) and Postgres (durable records)
	liveStore := session.NewRedisLiveStore(s.rdb)
	trackerCfg := session.DefaultConfig()
	trackerCfg.MaxDailySeconds = cfg.MaxDailySeconds
	trackerCfg.MaxSessionSeconds = cfg.MaxSessionSeconds
	s.tracker = session.NewTracker(
		liveStore,
		session.NewPostgresRecordStore(db),
		s.platforms,
		trackerCfg,
		s.logger,
	)

	// Watchdog reaps sessions whose clients went silent
	s.watchdog = watchdog.New(
		s.tracker,
		liveStore,
		time.Duration(cfg.HeartbeatTimeout)*time.Second,
		time.Duration(cfg.WatchdogInterval)*time.Second,
		s.logger,
	)

	// Anomaly detector flags inflated traffic before it reaches settlement
	anomalyStore := anomaly.NewPostgresStore(db)
	s.detector = anomaly.NewDetector(anomalyStore, anomaly.DefaultConfig(cfg.MaxDailySeconds), s.logger)

	// Settlement engine distributes subscription revenue by valid seconds
	engineCfg := settlement.DefaultConfig()
	engineCfg.MonthlyPrice = cfg.SubscriptionMonthly
	engineCfg.AnnualPrice = cfg.SubscriptionAnnual
	engineCfg.ReserveMargin = cfg.ReserveMargin
	settlementStore := settlement.NewPostgresStore(db)
	s.engine = settlement.NewEngine(settlementStore, engineCfg, s.logger)
	s.scheduler = settlement.NewScheduler(s.engine, cfg.SettlementDay, s.logger)

	// WebSocket session channel
	s.hub = realtime.NewHub(
		s.tracker,
		s.verifier,
		time.Duration(cfg.HeartbeatInterval)*time.Second,
		s.logger,
	)

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(anomalyStore, settlementStore)

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("postgres", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
	s.checks.Register("redis", func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(anomalyStore anomaly.Store, settlementStore settlement.Store) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// WebSocket session channel (token auth handled in the hub)
	s.router.GET("/ws", s.hub.HandleWebSocket)

	// PUBLIC ROUTES (no auth required)
	api := s.router.Group("/api")
	platform.NewHandler(s.platforms).RegisterRoutes(api)
	api.GET("/traffic/live", s.liveTrafficHandler)

	settlementHandler := settlement.NewHandler(s.engine, settlementStore)
	settlementHandler.RegisterRoutes(api)

	// PROTECTED ROUTES (require a subscriber token)
	protected := api.Group("")
	protected.Use(auth.Middleware(s.verifier))
	{
		session.NewHandler(s.tracker).RegisterRoutes(protected)
		settlementHandler.RegisterUserRoutes(protected)
		protected.GET("/traffic/daily", s.dailyTrafficHandler)
	}

	// ADMIN ROUTES (operator secret)
	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		anomaly.NewHandler(anomalyStore, s.detector).RegisterRoutes(admin)
		settlementHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "TimeVision Hub",
		"description": "Streaming-time metering and revenue settlement",
		"version":     "0.1.0",
		"currency":    "EUR",
	})
}

// liveTrafficHandler returns the current per-platform live user counts.
func (s *Server) liveTrafficHandler(c *gin.Context) {
	stats, err := s.tracker.LivePlatformStats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("live traffic lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load live traffic",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"platforms": stats})
}

// dailyTrafficHandler returns the caller's viewing seconds for today.
func (s *Server) dailyTrafficHandler(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing user identity"})
		return
	}

	seconds, err := s.tracker.GetDailySeconds(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("daily traffic lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load daily traffic",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalSeconds": seconds,
		"capSeconds":   s.cfg.MaxDailySeconds,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background jobs
	go s.hub.Run(runCtx)
	go s.watchdog.Start(runCtx)
	go s.detector.Start(runCtx)
	go s.scheduler.Start(runCtx)
	go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, watchdog, jobs)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.watchdog.Stop()
	s.detector.Stop()
	s.scheduler.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.rdb.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
