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
	"github.com/nats-io/nats.go"

	"github.com/mbd888/abuseguard/internal/challenge"
	"github.com/mbd888/abuseguard/internal/config"
	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/health"
	"github.com/mbd888/abuseguard/internal/logging"
	"github.com/mbd888/abuseguard/internal/metrics"
	"github.com/mbd888/abuseguard/internal/ratelimit"
	"github.com/mbd888/abuseguard/internal/realtime"
	"github.com/mbd888/abuseguard/internal/risk"
	"github.com/mbd888/abuseguard/internal/rules"
	"github.com/mbd888/abuseguard/internal/security"
	"github.com/mbd888/abuseguard/internal/telemetry"
	"github.com/mbd888/abuseguard/internal/traces"
	"github.com/mbd888/abuseguard/internal/useragent"
	"github.com/mbd888/abuseguard/internal/validation"
	"github.com/mbd888/abuseguard/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	version    string
	tables     *rules.Compiled
	classifier *useragent.Classifier
	verifier   risk.ChallengeVerifier
	engine     *risk.Engine
	limiter    *ratelimit.Limiter
	janitor    *ratelimit.Janitor
	redisStore *ratelimit.RedisStore // nil if using in-memory
	hub        *realtime.Hub
	nc         *nats.Conn // nil if NATS is not configured
	db         *sql.DB    // nil if using in-memory
	health     *health.Registry
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	shutdownDelay   time.Duration
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithVerifier sets a custom challenge verifier (for testing)
func WithVerifier(v risk.ChallengeVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithShutdownDelay sets how long Shutdown waits for load balancers to
// notice the instance is no longer ready.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.health = health.NewRegistry(health.DefaultTimeout)

	// Rule tables
	tables := rules.Default()
	if cfg.RulesFile != "" {
		loaded, err := rules.Load(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		tables = loaded
		s.logger.Info("loaded rule tables", "path", cfg.RulesFile)
	}
	compiled, err := tables.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	s.tables = compiled
	s.classifier = useragent.NewClassifier(compiled)

	// Rate-limit store (Redis if REDIS_ADDR set, otherwise in-memory)
	var store ratelimit.Store
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisStore = rs
		store = rs
		s.health.Register("redis", health.Ping("redis", rs.Ping))
		s.logger.Info("using Redis rate-limit store", "addr", cfg.RedisAddr)
	} else {
		store = ratelimit.NewMemoryStore()
		s.logger.Info("using in-memory rate-limit store (single instance only)")
	}
	s.limiter = ratelimit.NewLimiter(store)
	s.janitor = ratelimit.NewJanitor(s.limiter, cfg.JanitorInterval, s.logger)

	// Challenge verifier
	if s.verifier == nil {
		v, err := challenge.NewVerifier(challenge.Config{
			VerifyURL:       cfg.ChallengeVerifyURL,
			Secret:          cfg.ChallengeSecret,
			Timeout:         cfg.ChallengeTimeout,
			ReplayCacheSize: cfg.ChallengeReplayCache,
			Logger:          s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create challenge verifier: %w", err)
		}
		s.verifier = v
	}

	// Audit store (Postgres if DATABASE_URL set, otherwise in-memory)
	var auditStore risk.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		pg := risk.NewPostgresStore(db)
		auditStore = pg
		s.health.Register("postgres", health.Ping("postgres", pg.Ping))
		s.logger.Info("using PostgreSQL audit store", "url", maskDSN(cfg.DatabaseURL))
	} else {
		auditStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory audit store (data will not persist)")
	}

	// Event sinks
	s.hub = realtime.NewHub(s.logger)
	// The engine already logs one line per evaluation, so the log sink is
	// left out here.
	publishers := events.Multi{s.hub}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(ctx, cfg.NATSURL, s.logger)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.nc = nc
		np := events.NewNATSPublisher(nc, cfg.NATSSubject)
		publishers = append(publishers, np)
		s.health.Register("nats", health.Ping("nats", np.Ping))
		s.logger.Info("publishing assessments to NATS", "subject", cfg.NATSSubject)
	}

	// Tracing
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	policy := cfg.Policy()
	s.engine = risk.NewEngine(
		s.limiter,
		s.verifier,
		telemetry.NewAnalyzer(compiled),
		s.classifier,
		risk.WithPolicy(policy),
		risk.WithStore(auditStore),
		risk.WithPublisher(publishers),
		risk.WithLogger(s.logger),
	)
	s.logger.Info("risk engine configured",
		"env", policy.Environment,
		"production", policy.Production,
		"max_attempts", policy.RateLimitMaxAttempts,
		"window", policy.RateLimitWindow.String(),
		"high_threshold", policy.HighThreshold,
		"moderate_threshold", policy.ModerateThreshold,
	)

	s.health.Register("ratelimit_janitor", func(context.Context) health.Status {
		if !s.janitor.Running() && s.ready.Load() {
			return health.Status{Healthy: false, Detail: "janitor stopped"}
		}
		return health.Status{Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// closeStores releases connections opened by a partially built server.
func (s *Server) closeStores() {
	if s.redisStore != nil {
		_ = s.redisStore.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set by the load balancer
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	risk.NewHandler(s.engine, s.classifier).RegisterRoutes(v1)
	v1.GET("/abuse/feed", gin.WrapF(s.hub.HandleWebSocket))
	v1.GET("/abuse/feed/stats", s.feedStatsHandler)
	v1.GET("/abuse/policy", s.policyHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
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
		Version:   s.version,
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

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// policyHandler reports the effective policy so operators can confirm
// which thresholds an instance applies.
func (s *Server) policyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"policy": s.engine.Policy(),
		"rules":  s.tables.Source(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	go s.hub.Run(runCtx)
	go s.janitor.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.janitor.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Let in-flight audit writes land before closing their sinks.
	if err := s.engine.Wait(ctx); err != nil {
		s.logger.Warn("audit writes still pending at shutdown", "error", err)
	}

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}
	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the risk engine.
func (s *Server) Engine() *risk.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
