// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fiatescrow/internal/auth"
	"github.com/mbd888/fiatescrow/internal/config"
	"github.com/mbd888/fiatescrow/internal/custody"
	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/health"
	"github.com/mbd888/fiatescrow/internal/logging"
	"github.com/mbd888/fiatescrow/internal/metrics"
	"github.com/mbd888/fiatescrow/internal/ratelimit"
	"github.com/mbd888/fiatescrow/internal/realtime"
	"github.com/mbd888/fiatescrow/internal/reconciliation"
	"github.com/mbd888/fiatescrow/internal/security"
	"github.com/mbd888/fiatescrow/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         escrow.Store
	ledger        *custody.MemoryLedger
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	dispatcher    *custody.Dispatcher
	reconciler    *reconciliation.Timer
	realtimeHub   *realtime.Hub
	verifier      *auth.Verifier
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB           // nil unless STORE_BACKEND=postgres
	redis         *redis.Client     // nil unless STORE_BACKEND=redis
	bolt          *escrow.BoltStore // nil unless STORE_BACKEND=bolt
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithStore sets a custom escrow store (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLedger sets a custom custody ledger (for testing)
func WithLedger(l *custody.MemoryLedger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			s.closeStores()
			return nil, err
		}
	}
	if s.ledger == nil {
		s.ledger = custody.NewMemoryLedger()
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	s.verifier = verifier
	s.logger.Info("API authentication enabled")

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	machine := escrow.Machine{
		Arbitrator: cfg.ArbitratorID,
		Custody:    cfg.CustodyID,
		FeeSink:    cfg.FeeSinkID,
	}
	s.escrowService = escrow.NewService(s.store, machine).
		WithLogger(s.logger).
		WithEmitter(s.realtimeHub).
		WithFundsReserver(s.ledger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.SweepInterval, s.logger)
	s.dispatcher = custody.NewDispatcher(s.store, s.ledger, cfg.DispatchInterval, s.logger)
	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(s.store, s.ledger, cfg.CustodyID),
		cfg.ReconcileInterval, s.logger,
	)
	s.logger.Info("escrow machine configured",
		"arbitrator", cfg.ArbitratorID.String(),
		"custody", cfg.CustodyID.String(),
		"feeSink", cfg.FeeSinkID.String(),
	)

	s.checks.Register("sweeper", health.Worker("sweeper", s.escrowTimer.Running))
	s.checks.Register("dispatcher", health.Worker("dispatcher", s.dispatcher.Running))
	s.checks.Register("reconciler", health.Worker("reconciler", s.reconciler.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore connects the escrow store selected by STORE_BACKEND.
func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if s.cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return err
			}
			s.logger.Info("database migrations applied")
		}

		s.store = escrow.NewPostgresStore(db)
		s.checks.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case config.BackendRedis:
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		s.redis = client

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		store := escrow.NewRedisStore(client)
		s.store = store
		s.checks.Register("redis", health.Ping("redis", store.Ping))
		s.logger.Info("using Redis storage", "url", maskDSN(s.cfg.RedisURL))

	case config.BackendBolt:
		store, err := escrow.OpenBoltStore(s.cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		s.bolt = store
		s.store = store
		s.logger.Info("using bbolt storage", "path", s.cfg.BoltPath)

	default:
		s.store = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage, records are lost on restart")
	}
	return nil
}

// closeStores releases whichever store connection is open.
func (s *Server) closeStores() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.Error("bolt close error", "error", err)
		}
	}
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Authentication runs before rate limiting so limits are per caller.
	s.router.Use(auth.Middleware(s.verifier))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
		IdleTTL:           ratelimit.DefaultConfig().IdleTTL,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	// Deposits exist so a development stack can fund sellers; production
	// balances only move through escrow legs.
	var crediter custody.Crediter
	if !s.cfg.IsProduction() {
		crediter = s.ledger
	}
	custodyHandler := custody.NewHandler(s.ledger, crediter).WithParkedOutbox(s.store, s.cfg.ArbitratorID)
	custodyHandler.RegisterRoutes(v1)
	custodyHandler.RegisterProtectedRoutes(protected)

	v1.GET("/reconciliation", s.reconciliationHandler)
	v1.GET("/stream/stats", s.streamStatsHandler)
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
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

func (s *Server) reconciliationHandler(c *gin.Context) {
	last := s.reconciler.Last()
	if last == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_run",
			"message": "No reconciliation has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, last)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.cfg.StoreBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
		s.closeStores()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	go s.dispatcher.Start(ctx)
	go s.reconciler.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.escrowTimer.Stop()
	s.dispatcher.Stop()
	s.reconciler.Stop()
	s.rateLimiter.Stop()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Background loops stop after in-flight requests drain.
	s.stopBackground()
	s.logger.Info("background workers stopped")

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
