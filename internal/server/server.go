// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pesabridge/pesabridge/internal/assets"
	"github.com/pesabridge/pesabridge/internal/config"
	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/health"
	"github.com/pesabridge/pesabridge/internal/ingest"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
	"github.com/pesabridge/pesabridge/internal/mpesa"
	"github.com/pesabridge/pesabridge/internal/processor"
	"github.com/pesabridge/pesabridge/internal/queue"
	"github.com/pesabridge/pesabridge/internal/ratelimit"
	"github.com/pesabridge/pesabridge/internal/rollback"
	"github.com/pesabridge/pesabridge/internal/security"
	"github.com/pesabridge/pesabridge/internal/settlement"
	"github.com/pesabridge/pesabridge/internal/traces"
	"github.com/pesabridge/pesabridge/internal/validation"
	"github.com/pesabridge/pesabridge/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	wallet      wallet.Service
	gateway     mpesa.Gateway
	escrows     *escrow.Service
	jobs        *queue.Queue
	settlement  *settlement.Service
	ingestor    *ingest.Ingestor
	processor   *processor.Processor
	rollbacks   *rollback.Coordinator
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	stopTracer  func(context.Context) error
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithWallet sets a custom wallet (for testing)
func WithWallet(w wallet.Service) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// WithGateway sets a custom M-Pesa gateway (for testing)
func WithGateway(g mpesa.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set wallet/gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var jobStore queue.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		jobStore = queue.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		jobStore = queue.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.escrows = escrow.NewService(escrowStore)
	s.jobs = queue.New(jobStore)

	// Create wallet if not injected
	if s.wallet == nil {
		chains := make([]string, 0, len(assets.Chains()))
		for chain := range assets.Chains() {
			chains = append(chains, string(chain))
		}
		m, err := wallet.NewManager(cfg.PrivateKey, chains, cfg.ChainRPCURLs)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.wallet = m
		s.logger.Info("custody wallet ready", "address", m.Address())
	}
	s.jobs.WithBalanceCheck(s.wallet)

	// Create M-Pesa gateway if not injected. Without Daraja credentials the
	// server runs against a simulator that auto-accepts requests.
	if s.gateway == nil {
		if cfg.MpesaConsumerKey != "" {
			s.gateway = mpesa.NewClient(mpesa.ClientConfig{
				BaseURL:            cfg.MpesaBaseURL,
				ConsumerKey:        cfg.MpesaConsumerKey,
				ConsumerSecret:     cfg.MpesaConsumerSecret,
				Shortcode:          cfg.MpesaShortcode,
				Passkey:            cfg.MpesaPasskey,
				InitiatorName:      cfg.MpesaInitiatorName,
				SecurityCredential: cfg.MpesaSecurityCredential,
				CallbackBaseURL:    cfg.CallbackBaseURL,
			})
			s.logger.Info("daraja gateway enabled", "base_url", cfg.MpesaBaseURL, "shortcode", cfg.MpesaShortcode)
		} else {
			s.gateway = mpesa.NewSimulator()
			s.logger.Info("daraja gateway simulated (no MPESA_CONSUMER_KEY set)")
		}
	}

	// Rollback coordinator arms confirmation timers and refunds abandoned legs
	s.rollbacks = rollback.New(s.escrows, s.wallet, s.gateway)

	// Settlement orchestrator
	s.settlement = settlement.New(settlement.Config{
		ConfirmationWindow: cfg.ConfirmationWindow,
		FiatCurrency:       cfg.FiatCurrency,
		DefaultChain:       cfg.DefaultChain,
	}, s.escrows, s.jobs, s.gateway, s.rollbacks, settlement.DefaultRates())

	// Webhook ingestor and transfer workers, wired back into settlement so
	// fiat confirmations queue transfers and payout failures compensate
	s.ingestor = ingest.New(s.escrows)
	s.processor = processor.New(processor.Config{
		MaxAttempts: cfg.QueueMaxAttempts,
		MaxAge:      cfg.QueueMaxAge,
		Lease:       time.Duration(cfg.QueueStalenessSecs) * time.Second,
	}, s.jobs, s.escrows, s.wallet)
	s.settlement.Wire(s.ingestor, s.processor)

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

	// CORS (restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info endpoints
	s.router.GET("/api", s.infoHandler)
	s.router.GET("/treasury", s.treasuryHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Settlement: onramp/offramp creation and deposit confirmation
	settlement.NewHandler(s.settlement).RegisterRoutes(v1)

	// Daraja webhook callbacks. These must stay reachable without auth
	// because Safaricom posts to them directly.
	ingest.NewHandler(s.ingestor).RegisterRoutes(v1)

	// Escrow record reads, manual review listing, and receipt backfill
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)

	// Queue observability
	queue.NewHandler(s.jobs).RegisterRoutes(v1)
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
		"name":        "PesaBridge",
		"description": "M-Pesa to stablecoin settlement core",
		"version":     "0.1.0",
		"currency":    s.cfg.FiatCurrency,
		"chain":       s.cfg.DefaultChain,
	})
}

// treasuryHandler returns the custody wallet address and its USDC balance
// on the default chain
func (s *Server) treasuryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := s.wallet.TreasuryBalance(ctx, s.cfg.DefaultChain, string(assets.TokenUSDC))
	if err != nil {
		logging.L(ctx).Error("failed to get treasury balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve treasury balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":  s.wallet.Address(),
		"balance":  balance,
		"token":    string(assets.TokenUSDC),
		"chain":    s.cfg.DefaultChain,
		"currency": s.cfg.FiatCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	// Distributed tracing (no-op when OTLP endpoint is unset)
	shutdownTracer, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracer = shutdownTracer
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"treasury", s.wallet.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start rollback coordinator (recovers deadlined escrows after a crash)
	s.rollbacks.Start(runCtx)

	// Start the callback apply worker and transfer workers
	s.ingestor.Start(runCtx)
	s.processor.Start(runCtx)

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

	// Cancel the context for background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain transfer workers before releasing their dependencies
	if s.processor != nil {
		s.processor.Stop()
		s.logger.Info("transfer processor stopped")
	}

	// Stop rollback timers
	if s.rollbacks != nil {
		s.rollbacks.Stop()
		s.logger.Info("rollback coordinator stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTracer != nil {
		if err := s.stopTracer(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	// Close wallet connections
	if err := s.wallet.Close(); err != nil {
		s.logger.Error("wallet close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
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
