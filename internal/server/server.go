// Package server wires the escrow services together and serves the HTTP API.
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/config"
	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/health"
	"github.com/mbd888/nftescrow/internal/idgen"
	"github.com/mbd888/nftescrow/internal/ledger"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/ratelimit"
	"github.com/mbd888/nftescrow/internal/realtime"
	"github.com/mbd888/nftescrow/internal/reconciliation"
	"github.com/mbd888/nftescrow/internal/recovery"
	"github.com/mbd888/nftescrow/internal/security"
	"github.com/mbd888/nftescrow/internal/traces"
	"github.com/mbd888/nftescrow/internal/validation"
	"github.com/mbd888/nftescrow/internal/webhooks"
	"github.com/mbd888/nftescrow/migrations"
)

// Version is reported by /api and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB // nil if using in-memory
	rdb *redis.Client

	assets         custody.DevAssets
	custody        *custody.Registry
	mirror         *mirror.Service
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	realtimeHub    *realtime.Hub
	auditor        *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	recovery       *recovery.Service
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithAssets injects the custody asset backend (tests).
func WithAssets(a custody.DevAssets) Option {
	return func(s *Server) {
		s.assets = a
	}
}

// stores groups the persistence backends chosen at startup.
type stores struct {
	custody       custody.Store
	journal       ledger.Journal
	mirror        mirror.Store
	webhooks      webhooks.Store
	discrepancies reconciliation.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		s.db = db
		s.health.RegisterPinger("database", db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		st = stores{
			custody:       custody.NewPostgresStore(db),
			journal:       ledger.NewPostgresJournal(db),
			mirror:        mirror.NewPostgresStore(db),
			webhooks:      webhooks.NewPostgresStore(db),
			discrepancies: reconciliation.NewPostgresStore(db),
		}
		if s.assets == nil {
			s.assets = custody.NewPostgresAssets(db)
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		st = stores{
			custody:       custody.NewMemoryStore(),
			journal:       ledger.NewMemoryJournal(),
			mirror:        mirror.NewMemoryStore(),
			webhooks:      webhooks.NewMemoryStore(),
			discrepancies: reconciliation.NewMemoryStore(),
		}
		if s.assets == nil {
			s.assets = custody.NewMemoryAssets()
		}
	}

	// Custody (authoritative side)
	s.custody = custody.NewRegistry(st.custody, s.assets, st.journal, custody.Config{
		RegistryAddress: cfg.RegistryAddress,
		FeeRecipient:    cfg.FeeRecipient,
		FeeBasisPoints:  cfg.FeeBasisPoints,
	}, s.logger)

	// Proofs are checked against the journal of the registry that issued
	// them. Audit and recovery read the same registry.
	verifier := ledger.NewVerifier(st.journal)

	// Mirror read cache
	mirrorStore := st.mirror
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(opt)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable, cache will miss until it recovers", "error", err)
		}
		mirrorStore = mirror.NewCachedStore(st.mirror, s.rdb, cfg.RedisCacheTTL, s.logger)
		s.health.RegisterPinger("redis", redisPinger{s.rdb})
		s.logger.Info("mirror read cache enabled", "ttl", cfg.RedisCacheTTL)
	}

	// Side effects of applied mirror writes
	s.realtimeHub = realtime.NewHub(s.logger).WithOrigins(cfg.CORSOrigins)
	s.webhookStore = st.webhooks
	s.webhooks = webhooks.NewDispatcher(st.webhooks, s.logger).WithTimeout(cfg.WebhookTimeout)

	s.mirror = mirror.NewService(mirrorStore, s.logger).
		WithVerifier(verifier).
		WithCustody(s.custody).
		WithNotifier(mirror.Notifiers{
			webhooks.NewEmitter(s.webhooks, s.logger),
			s.realtimeHub,
		})

	// The audit reads the uncached store so it never compares stale rows.
	s.auditor = reconciliation.NewService(st.mirror, s.custody, st.discrepancies, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.auditor, cfg.ReconcileEvery, s.logger)
	s.recovery = recovery.NewService(s.custody, s.mirror, st.discrepancies, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// redisPinger adapts a redis client to health.Pinger.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if wallet := auth.Caller(c); wallet != "" {
			attrs = append(attrs, "wallet", wallet)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.NewVerifier(s.cfg.AuthMaxSkew), s.cfg.AuthDisabled))
	wallet := auth.RequireWallet()
	admin := auth.RequireAdmin(s.cfg.AdminSecret)

	// Mirror: off-chain deal records, negotiation and reconciliation
	mirrorHandler := mirror.NewHandler(s.mirror)
	deals := v1.Group("/deals")
	mirrorHandler.RegisterRoutes(deals)
	mirrorHandler.RegisterProtectedRoutes(deals.Group("", wallet))

	// Custody: the escrow registry and its instances
	custodyHandler := custody.NewHandler(s.custody)
	cust := v1.Group("/custody")
	custodyHandler.RegisterRoutes(cust)
	custodyHandler.RegisterProtectedRoutes(cust.Group("", wallet))

	if s.cfg.DevAssets {
		assetHandler := custody.NewAssetHandler(s.assets)
		assets := v1.Group("/assets")
		assetHandler.RegisterRoutes(assets)
		assetHandler.RegisterProtectedRoutes(assets.Group("", wallet))
		s.logger.Warn("dev asset endpoints enabled (mint/fund are unauthenticated)")
	}

	// Webhook subscriptions belong to the signed-in wallet
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterProtectedRoutes(v1.Group("", wallet))

	// Recovery: participant escape hatch plus the operator resync queue
	recoveryHandler := recovery.NewHandler(s.recovery, s.auditor)
	rec := v1.Group("/recovery")
	recoveryHandler.RegisterProtectedRoutes(rec.Group("", wallet))
	recoveryHandler.RegisterAdminRoutes(rec.Group("", admin))

	v1.GET("/realtime/stats", admin, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "nftescrow",
		"description":     "Trustless NFT buy, sell and swap escrow",
		"version":         Version,
		"registryAddress": s.cfg.RegistryAddress,
		"feeRecipient":    s.cfg.FeeRecipient,
		"feeBasisPoints":  s.cfg.FeeBasisPoints,
		"storage":         storage,
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

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	// In-flight webhook deliveries get whatever is left of the deadline.
	delivered := make(chan struct{})
	go func() {
		s.webhooks.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-ctx.Done():
		s.logger.Warn("webhook deliveries still in flight at shutdown")
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
