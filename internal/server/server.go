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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tradeescrow/internal/compliance"
	"github.com/mbd888/tradeescrow/internal/config"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/events"
	"github.com/mbd888/tradeescrow/internal/health"
	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/ledger"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/realtime"
	"github.com/mbd888/tradeescrow/internal/reconciliation"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/mbd888/tradeescrow/internal/validation"
)

// Version is reported by the health endpoint; set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	escrowService *escrow.Service
	arbitration   *escrow.Arbitration
	escrowStore   escrow.Store
	escrowTimer   *escrow.Timer

	ledger       *ledger.Ledger // in-process ledger, nil for remote backends
	ledgerClient ledger.Client
	compliance   compliance.Store

	realtimeHub *realtime.Hub
	publishers  []escrow.Publisher
	closers     []func()
	consumer    *events.Consumer

	auditor    *reconciliation.Runner
	auditTimer *reconciliation.Timer

	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithLedgerClient replaces the configured ledger backend (for testing).
func WithLedgerClient(c ledger.Client) Option {
	return func(s *Server) {
		s.ledgerClient = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(3 * time.Second),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set ledger client/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupLedger(); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.setupCompliance(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.setupPublishers()

	policy := escrow.Policy{
		Trigger:          escrow.TriggerConsensus,
		RequireKYC:       cfg.RequireKYC,
		RequireDocuments: cfg.RequireDocuments,
		LedgerTimeout:    cfg.LedgerTimeout,
		PendingGrace:     cfg.PendingGrace,
	}
	if cfg.ShipmentTriggered() {
		policy.Trigger = escrow.TriggerShipment
	}
	s.escrowService = escrow.NewService(s.escrowStore, ledger.ForEscrow(s.ledgerClient)).
		WithLogger(s.logger).
		WithPolicy(policy).
		WithVerifier(s.compliance).
		WithDocuments(s.compliance).
		WithPublisher(events.Fanout(s.publishers))
	s.arbitration = escrow.NewArbitration(s.escrowService)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.arbitration, cfg.ReconcileInterval, s.logger)
	s.logger.Info("escrow enabled",
		"trigger", policy.Trigger,
		"require_kyc", policy.RequireKYC,
		"require_documents", policy.RequireDocuments,
	)

	if cfg.RabbitMQURL != "" {
		router := events.NewRouter(s.escrowService, s.arbitration, s.compliance)
		s.consumer = events.NewConsumer(cfg.RabbitMQURL, cfg.EventsExchange, cfg.InboundQueue, router, s.logger)
		s.logger.Info("inbound collaborator events enabled", "queue", cfg.InboundQueue)
	}

	// Audit escrow totals against the ledger
	var audit reconciliation.LedgerAuditor
	if a, ok := s.ledgerClient.(ledger.Auditor); ok {
		audit = a
	}
	s.auditor = reconciliation.NewRunner(s.escrowService, s.escrowStore, audit, s.logger)
	if cfg.LedgerBackend == config.LedgerChain {
		// On-chain amounts round to the token's decimals.
		s.auditor.SetTolerance("0.000001")
	}
	s.auditTimer = reconciliation.NewTimer(s.auditor, 0, s.logger)

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

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	// Redacted writes the password as "xxxxx"; usernames are escaped, so the
	// marker can only match the password slot.
	return strings.Replace(u.Redacted(), ":xxxxx@", ":***@", 1)
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

	// CORS (bank and logistics portals call the API from their own origins)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the live event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	v1.Use(s.rateLimiter.Middleware())

	escrowHandler := escrow.NewHandler(s.escrowService, s.arbitration).
		WithHiddenCauses(s.cfg.IsProduction())
	escrowHandler.RegisterRoutes(v1)

	// In-process ledger API, for remote escrow instances using LEDGER_BACKEND=http
	if s.ledger != nil {
		ledgerGroup := v1.Group("")
		ledgerGroup.Use(security.RequireBearer(s.cfg.LedgerAPIKey))
		ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(ledgerGroup)
	}

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	compliance.NewHandler(s.compliance, s.logger).RegisterAdminRoutes(admin)
	admin.POST("/audit", s.auditHandler)
	admin.GET("/audit", s.lastAuditHandler)
	admin.GET("/stream", s.streamStatsHandler)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// auditHandler handles POST /v1/admin/audit
func (s *Server) auditHandler(c *gin.Context) {
	report, err := s.auditor.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("audit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_failed",
			"message": "Audit run did not complete",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clean": report.Clean(), "report": report})
}

// lastAuditHandler handles GET /v1/admin/audit
func (s *Server) lastAuditHandler(c *gin.Context) {
	report := s.auditTimer.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No audit has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clean": report.Clean(), "report": report})
}

// streamStatsHandler handles GET /v1/admin/stream
func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation, or a worker failure triggers graceful shutdown.
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

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"ledger", s.cfg.LedgerBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	// Recovery pass for pending releases and unsettled rulings
	g.Go(func() error {
		s.escrowTimer.Start(gctx)
		return nil
	})

	g.Go(func() error {
		s.auditTimer.Start(gctx)
		return nil
	})

	if s.consumer != nil {
		g.Go(func() error {
			s.runConsumer(gctx)
			return nil
		})
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

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
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	case <-gctx.Done():
		s.logger.Error("background worker stopped")
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return shutdownErr
}

// runConsumer keeps the inbound consumer attached across broker restarts.
func (s *Server) runConsumer(ctx context.Context) {
	const backoff = 5 * time.Second
	for {
		err := s.consumer.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("inbound consumer stopped; reconnecting", "error", err, "in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for all background goroutines (hub, timers, consumer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.escrowTimer.Stop()
	s.auditTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeAll()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases broker, ledger, cache and database connections.
func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
