// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/audit"
	"github.com/mwale/fraudlens/internal/auth"
	"github.com/mwale/fraudlens/internal/config"
	"github.com/mwale/fraudlens/internal/health"
	"github.com/mwale/fraudlens/internal/idgen"
	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/metrics"
	"github.com/mwale/fraudlens/internal/ratelimit"
	"github.com/mwale/fraudlens/internal/realtime"
	"github.com/mwale/fraudlens/internal/rules"
	"github.com/mwale/fraudlens/internal/scorer"
	"github.com/mwale/fraudlens/internal/security"
	"github.com/mwale/fraudlens/internal/transaction"
	"github.com/mwale/fraudlens/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	scorerClient   *scorer.Client
	transactionSvc *transaction.Service
	anomalySvc     *anomaly.Service
	rulesSvc       *rules.Service
	auditSvc       *audit.Service
	authMgr        *auth.Manager
	realtimeHub    *realtime.Hub

	healthChecks *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithAssessor overrides the scorer client (for testing)
func WithAssessor(client *scorer.Client) Option {
	return func(s *Server) {
		s.scorerClient = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set scorer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		txStore      transaction.Store
		anomalyStore anomaly.Store
		rulesStore   rules.Store
		auditStore   audit.Store
		authStore    auth.Store
	)
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
		txStore = transaction.NewPostgresStore(db)
		anomalyStore = anomaly.NewPostgresStore(db)
		rulesStore = rules.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = transaction.NewMemoryStore()
		anomalyStore = anomaly.NewMemoryStore()
		rulesStore = rules.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)

	// Scorer client with deterministic rule fallback
	if s.scorerClient == nil {
		fallback := scorer.NewRuleEvaluator(cfg.HighValueAmount)
		s.scorerClient = scorer.NewClient(cfg.ScorerURL, cfg.ScorerTimeout, fallback, s.logger)
		s.logger.Info("scorer client configured", "url", cfg.ScorerURL, "timeout", cfg.ScorerTimeout)
	}

	// Realtime hub fans out case and transaction events. The snapshot
	// source is installed once the anomaly service exists.
	s.realtimeHub = realtime.NewHub(nil, cfg.SnapshotLimit, s.logger)

	// Anomaly lifecycle: attribution, persistence, fraud-flag sync
	policy := anomaly.Policy{
		SeverityMedium:   cfg.SeverityMedium,
		SeverityHigh:     cfg.SeverityHigh,
		SeverityCritical: cfg.SeverityCritical,
		DeepTier:         cfg.DeepTierThreshold,
		PrecisionTier:    cfg.PrecisionThreshold,
		DefaultTier:      cfg.DefaultThreshold,
		HighValueAmount:  cfg.HighValueAmount,
	}
	mirror, ok := txStore.(anomaly.TransactionMirror)
	if !ok {
		return nil, fmt.Errorf("transaction store does not support fraud mirroring")
	}
	synchronizer := anomaly.NewSynchronizer(anomalyStore, mirror, s.realtimeHub, s.logger)
	s.anomalySvc = anomaly.NewService(anomalyStore, anomaly.NewAttributor(policy), synchronizer, s.realtimeHub, s.logger)
	s.realtimeHub.SetSnapshotSource(s.anomalySvc)

	// Analyst rules evaluated after ingestion
	s.rulesSvc = rules.NewService(rulesStore, s.anomalySvc, s.logger)

	// Ingestion pipeline
	s.transactionSvc = transaction.NewService(txStore, s.scorerClient, s.anomalySvc, s.rulesSvc, s.realtimeHub, s.logger)

	// Audit trail
	s.auditSvc = audit.NewService(auditStore, s.logger)

	// Health checks
	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthChecks.Register("scorer", func(ctx context.Context) health.Status {
		mh := s.scorerClient.Health(ctx)
		// An unreachable scorer degrades the service but the rule
		// fallback keeps assessments flowing.
		return health.Status{Name: "scorer", Healthy: true, Detail: mh.Status}
	})

	// Demo mode: issue an admin key at startup so the API is usable
	// without a database or prior bootstrap.
	if s.db == nil {
		rawKey, _, err := s.authMgr.GenerateKey(context.Background(), "usr_admin", "Bootstrap admin key", auth.RoleAdmin)
		if err != nil {
			return nil, fmt.Errorf("failed to create bootstrap key: %w", err)
		}
		s.logger.Info("demo admin API key issued", "apiKey", rawKey)
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
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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

// auditedActions maps mutating routes to audit trail actions.
var auditedActions = map[string]string{
	"POST /v1/transactions":           audit.ActionTransactionIngested,
	"PUT /v1/transactions/:id/flag":   audit.ActionTransactionFlagged,
	"POST /v1/anomalies":              audit.ActionAnomalyCreated,
	"PUT /v1/anomalies/:id":           audit.ActionAnomalyUpdated,
	"POST /v1/anomalies/:id/comments": audit.ActionAnomalyUpdated,
	"DELETE /v1/anomalies/:id":        audit.ActionAnomalyDeleted,
	"POST /v1/rules":                  audit.ActionRuleCreated,
	"PUT /v1/rules/:id":               audit.ActionRuleUpdated,
	"DELETE /v1/rules/:id":            audit.ActionRuleDeleted,
	"POST /v1/auth/keys":              audit.ActionKeyCreated,
	"DELETE /v1/auth/keys/:keyId":     audit.ActionKeyRevoked,
}

// auditMiddleware records successful mutations in the audit trail.
func (s *Server) auditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		action, ok := auditedActions[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		s.auditSvc.Record(c.Request.Context(), audit.Entry{
			ActorID:    auth.GetAuthenticatedUser(c),
			Action:     action,
			EntityType: entityTypeFor(action),
			EntityID:   c.Param("id"),
			IPAddress:  c.ClientIP(),
		})
	}
}

func entityTypeFor(action string) string {
	for i := 0; i < len(action); i++ {
		if action[i] == '.' {
			return action[:i]
		}
	}
	return action
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

	// WebSocket for real-time streaming. Role decides whether the
	// subscriber joins the anomaly case stream.
	s.router.GET("/ws", auth.Middleware(s.authMgr), func(c *gin.Context) {
		key, _ := auth.GetAPIKey(c)
		userID := ""
		privileged := false
		if key != nil {
			userID = key.UserID
			privileged = key.Role.Privileged()
		}
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID, privileged)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	transactionHandler := transaction.NewHandler(s.transactionSvc)
	anomalyHandler := anomaly.NewHandler(s.anomalySvc)
	rulesHandler := rules.NewHandler(s.rulesSvc)
	auditHandler := audit.NewHandler(s.auditSvc)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	transactionHandler.RegisterRoutes(v1)
	anomalyHandler.RegisterRoutes(v1)
	rulesHandler.RegisterRoutes(v1)
	v1.GET("/scorer/health", s.scorerHealthHandler)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)
	v1.GET("/auth/info", authHandler.Info)

	// BOOTSTRAP (guarded by admin secret, issues the first admin key)
	v1.POST("/auth/bootstrap", s.bootstrapHandler)

	// PROTECTED ROUTES (require analyst or admin role)
	protected := v1.Group("")
	protected.Use(
		auth.Middleware(s.authMgr),
		auth.RequireAuth(s.authMgr),
		auth.RequireRole(s.authMgr, auth.RoleAnalyst),
		s.auditMiddleware(),
	)
	transactionHandler.RegisterProtectedRoutes(protected)
	anomalyHandler.RegisterProtectedRoutes(protected)
	rulesHandler.RegisterProtectedRoutes(protected)

	// KEY MANAGEMENT (any authenticated user manages their own keys)
	keys := v1.Group("")
	keys.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), s.auditMiddleware())
	{
		keys.GET("/auth/keys", authHandler.ListKeys)
		keys.POST("/auth/keys", authHandler.CreateKey)
		keys.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		keys.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		keys.GET("/auth/me", authHandler.GetCurrentUser)
	}

	// ADMIN ROUTES
	admin := v1.Group("")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireRole(s.authMgr, auth.RoleAdmin))
	auditHandler.RegisterProtectedRoutes(admin)
}

// bootstrapHandler issues the first admin key. Guarded by the
// X-Admin-Secret header so a fresh deployment can be initialized
// without database surgery.
func (s *Server) bootstrapHandler(c *gin.Context) {
	if s.cfg.AdminSecret == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "bootstrap_disabled",
			"message": "ADMIN_SECRET is not configured",
		})
		return
	}
	provided := c.GetHeader("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Invalid admin secret",
		})
		return
	}

	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.UserID == "" {
		req.UserID = "usr_admin"
	}
	if req.Name == "" {
		req.Name = "Bootstrap admin key"
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), req.UserID, req.Name, auth.RoleAdmin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "bootstrap_failed",
			"message": "Failed to create admin key",
		})
		return
	}

	s.auditSvc.Record(c.Request.Context(), audit.Entry{
		ActorID:    req.UserID,
		Action:     audit.ActionKeyCreated,
		EntityType: "apikey",
		EntityID:   key.ID,
		IPAddress:  c.ClientIP(),
	})

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"userId":  key.UserID,
		"role":    key.Role,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// -----------------------------------------------------------------------------
// Diagnostics handlers
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health payload
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FraudLens",
		"description": "Risk assessment and anomaly detection for financial transactions",
		"version":     "0.1.0",
	})
}

// scorerHealthHandler surfaces the remote model's self-reported state.
func (s *Server) scorerHealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	c.JSON(http.StatusOK, s.scorerClient.Health(ctx))
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

func generateRequestID() string {
	return idgen.Hex(8)
}
