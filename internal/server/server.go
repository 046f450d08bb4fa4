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

	"github.com/atelierhq/atelier/internal/assets"
	"github.com/atelierhq/atelier/internal/authz"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/health"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/notify"
	"github.com/atelierhq/atelier/internal/offers"
	"github.com/atelierhq/atelier/internal/pricing"
	"github.com/atelierhq/atelier/internal/ratelimit"
	"github.com/atelierhq/atelier/internal/realtime"
	"github.com/atelierhq/atelier/internal/security"
	"github.com/atelierhq/atelier/internal/settlement"
	"github.com/atelierhq/atelier/internal/shipment"
	"github.com/atelierhq/atelier/internal/traces"
	"github.com/atelierhq/atelier/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	assetService      *assets.Service
	escrowService     *escrow.Service
	offerService      *offers.Service
	offerTimer        *offers.Timer
	shipmentService   *shipment.Service
	settlementService *settlement.Service
	authzManager      *authz.Manager
	dispatcher        *notify.Dispatcher
	notifyStore       notify.Store
	realtimeHub       *realtime.Hub

	overrideAuthority settlement.Authority
	overrideProvider  shipment.Provider

	rateLimiter    *ratelimit.Limiter
	healthRegistry *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithSettlementAuthority overrides the settlement authority (for testing)
func WithSettlementAuthority(a settlement.Authority) Option {
	return func(s *Server) {
		s.overrideAuthority = a
	}
}

// WithShippingProvider overrides the carrier provider (for testing)
func WithShippingProvider(p shipment.Provider) Option {
	return func(s *Server) {
		s.overrideProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger or stubs)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	rates, err := pricing.NewConverter(cfg.SOLUSDRate)
	if err != nil {
		return nil, fmt.Errorf("invalid reference rate: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		assetStore  assets.Store
		escrowStore escrow.Store
		offerStore  offers.Store
		keyStore    authz.KeyStore
		roleStore   authz.RoleStore
	)
	if cfg.DatabaseURL != "" {
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		assetPG := assets.NewPostgresStore(db)
		if err := assetPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate asset store", "error", err)
		}
		assetStore = assetPG

		escrowPG := escrow.NewPostgresStore(db)
		if err := escrowPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = escrowPG

		offerPG := offers.NewPostgresStore(db)
		if err := offerPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate offer store", "error", err)
		}
		offerStore = offerPG

		keyPG := authz.NewPostgresKeyStore(db)
		if err := keyPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate key store", "error", err)
		}
		keyStore = keyPG

		rolePG := authz.NewPostgresRoleStore(db)
		if err := rolePG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate role store", "error", err)
		}
		roleStore = rolePG

		notifyPG := notify.NewPostgresStore(db)
		if err := notifyPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.notifyStore = notifyPG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		assetStore = assets.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		keyStore = authz.NewMemoryKeyStore()
		roleStore = authz.NewMemoryRoleStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	s.authzManager = authz.NewManager(keyStore, roleStore)

	// Notifications: webhooks plus the realtime activity feed
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	sink := escrow.MultiSink{
		notify.NewEmitter(s.dispatcher, s.logger),
		realtime.NewFeed(s.realtimeHub),
	}

	// Asset registry doubles as the escrow engine's catalog
	s.assetService = assets.NewService(assetStore)

	s.escrowService = escrow.NewService(escrowStore, s.assetService, rates).WithNotifier(sink)
	s.offerService = offers.NewService(offerStore, s.escrowService).WithNotifier(sink)
	s.offerTimer = offers.NewTimer(s.offerService, s.logger)

	// Carrier integration (stub when no aggregator is configured)
	var provider shipment.Provider = shipment.StubProvider{}
	if s.overrideProvider != nil {
		provider = s.overrideProvider
	} else if cfg.ShippingAPIURL != "" {
		provider = shipment.NewHTTPProvider(cfg.ShippingAPIURL, cfg.ShippingAPIKey)
		s.logger.Info("carrier aggregator enabled", "url", cfg.ShippingAPIURL)
	}
	s.shipmentService = shipment.NewService(s.escrowService, s.authzManager, provider).WithNotifier(sink)

	// Settlement authority (stub when no multisig endpoint is configured)
	var authority settlement.Authority = settlement.NewStubAuthority()
	if s.overrideAuthority != nil {
		authority = s.overrideAuthority
	} else if cfg.SettlementRPCURL != "" {
		authority = settlement.NewHTTPAuthority(cfg.SettlementRPCURL, cfg.SettlementProgram)
		s.logger.Info("settlement authority enabled", "url", cfg.SettlementRPCURL, "program", cfg.SettlementProgram)
	}
	s.settlementService = settlement.NewService(
		s.escrowService, s.assetService, s.authzManager,
		authority, cfg.TreasuryWallet, s.logger,
	).WithNotifier(sink)

	// Tracing (no-op when no collector is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
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

	// WebSocket for the live activity feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	assetHandler := assets.NewHandler(s.assetService)
	escrowHandler := escrow.NewHandler(s.escrowService)
	offerHandler := offers.NewHandler(s.offerService)
	shipmentHandler := shipment.NewHandler(s.shipmentService)
	settlementHandler := settlement.NewHandler(s.settlementService)
	authzHandler := authz.NewHandler(s.authzManager, s.cfg.AdminSecret)
	notifyHandler := notify.NewHandler(s.notifyStore)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.WalletParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	// Catalog browsing and escrow/offer reads
	assetHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	offerHandler.RegisterRoutes(v1)

	// KEY ISSUANCE (public; returns the API key once)
	authzHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(authz.Middleware(s.authzManager), authz.RequireAuth())
	{
		assetHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		offerHandler.RegisterProtectedRoutes(protected)
		shipmentHandler.RegisterProtectedRoutes(protected)
		settlementHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)
		authzHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (capability checks happen inside the services)
	admin := v1.Group("")
	admin.Use(authz.Middleware(s.authzManager), authz.RequireAuth())
	{
		shipmentHandler.RegisterAdminRoutes(admin)
		settlementHandler.RegisterAdminRoutes(admin)
	}

	// ROLE MANAGEMENT (bootstrap secret, not wallet keys)
	authzHandler.RegisterAdminRoutes(v1.Group("/admin"))

	// Live hub statistics
	v1.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Info and health handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Atelier",
		"description": "Escrow and offer lifecycle for tokenized luxury assets",
		"version":     "0.1.0",
		"currency":    "SOL",
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start offer expiry sweep
	go s.offerTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.logger.Info("offer expiry timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
