// Package server sets up the HTTP server with all routes.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/foliopay/foliopay/internal/config"
	"github.com/foliopay/foliopay/internal/escrow"
	"github.com/foliopay/foliopay/internal/fieldcrypt"
	"github.com/foliopay/foliopay/internal/fraud"
	"github.com/foliopay/foliopay/internal/gateway"
	"github.com/foliopay/foliopay/internal/health"
	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/metrics"
	"github.com/foliopay/foliopay/internal/money"
	"github.com/foliopay/foliopay/internal/notify"
	"github.com/foliopay/foliopay/internal/recovery"
	"github.com/foliopay/foliopay/internal/traces"
	"github.com/foliopay/foliopay/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg       *config.Config
	cipher    *fieldcrypt.Cipher
	processor gateway.Processor
	scorer    *fraud.Scorer
	fraudDB   fraud.Store
	blacklist *fraud.MemoryBlacklist
	escrowSvc *escrow.Service
	scheduler *recovery.Scheduler
	timer     *recovery.Timer
	checks    *health.Registry

	db           *sql.DB // nil when using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTraces   func(context.Context) error
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor sets a custom payment processor (for testing).
func WithProcessor(p gateway.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	cipher, err := fieldcrypt.New(cfg.MasterKey, cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("initialize field encryption: %w", err)
	}
	for _, pair := range cfg.RetiredKeys {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("retired key entries must be keyId:hex pairs")
		}
		if err := cipher.Keyring().AddRetired(parts[0], parts[1]); err != nil {
			return nil, fmt.Errorf("load retired key %s: %w", parts[0], err)
		}
	}
	s.cipher = cipher

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore escrow.Store
		fraudStore  fraud.Store
		timeouts    recovery.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		fraudStore = fraud.NewPostgresStore(db)
		timeouts = recovery.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		fraudStore = fraud.NewMemoryStore()
		timeouts = recovery.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.processor == nil {
		s.processor = gateway.NewSimulated()
		s.logger.Info("using simulated payment processor")
	}

	// Risk scorer. Amount caps come from config as decimal strings.
	maxAmount, ok := money.Parse(cfg.MaxAmount)
	if !ok {
		return nil, fmt.Errorf("MAX_AMOUNT %q is not a valid amount", cfg.MaxAmount)
	}
	dailyCap, ok := money.Parse(cfg.DailyAmountCap)
	if !ok {
		return nil, fmt.Errorf("DAILY_AMOUNT_CAP %q is not a valid amount", cfg.DailyAmountCap)
	}
	autoRefundLimit, ok := money.Parse(cfg.AutoRefundLimit)
	if !ok {
		return nil, fmt.Errorf("AUTO_REFUND_LIMIT %q is not a valid amount", cfg.AutoRefundLimit)
	}

	s.fraudDB = fraudStore
	s.blacklist = fraud.NewMemoryBlacklist(cfg.BlacklistedUsers, cfg.BlacklistedIPs, cfg.BlacklistedMethods)
	s.scorer = fraud.NewScorer(fraudStore, s.blacklist, fraud.ScorerConfig{
		MaxAmount:         maxAmount,
		DailyAmountCap:    dailyCap,
		HighRiskCountries: cfg.HighRiskCountries,
	})

	s.escrowSvc = escrow.NewService(escrowStore, s.processor, s.cipher, s.scorer,
		escrow.WithWindow(cfg.EscrowWindow),
		escrow.WithAmountEpsilon(cfg.AmountEpsilon),
	)

	var notifier notify.Notifier
	if cfg.EscalationWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.EscalationWebhookURL, cfg.SigningSecret)
		s.logger.Info("escalation webhook enabled")
	}
	s.scheduler = recovery.NewScheduler(s.escrowSvc, timeouts, notifier, autoRefundLimit)
	s.escrowSvc.SetTimeoutOpener(s.scheduler)
	s.timer = recovery.NewTimer(s.scheduler, cfg.SweepInterval)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
		})
	}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	escrow.NewHandlers(s.escrowSvc).RegisterRoutes(v1)
	fraud.NewHandlers(s.scorer, s.fraudDB).RegisterRoutes(v1)
	recovery.NewHandlers(s.scheduler).RegisterRoutes(v1)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FolioPay",
		"description": "Escrow payment core for peer-to-peer book rentals",
		"version":     "0.1.0",
	})
}

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.stopTraces = shutdown
		}
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

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

	s.timer.Start(logging.WithLogger(runCtx, s.logger))
	s.checks.Register("recovery_timer", func(context.Context) health.Status {
		if !s.timer.Running() {
			return health.Status{Name: "recovery_timer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "recovery_timer", Healthy: true}
	})

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	s.timer.Stop()
	s.logger.Info("recovery timer stopped")

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Blacklist exposes the in-memory blacklist so operators (or tests) can
// block users and IPs at runtime.
func (s *Server) Blacklist() *fraud.MemoryBlacklist {
	return s.blacklist
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
