// Package server wires the vault engine, policy engine, event log,
// presentment service and realtime hub into a single HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/stablevault/internal/auth"
	"github.com/mbd888/stablevault/internal/config"
	"github.com/mbd888/stablevault/internal/events"
	"github.com/mbd888/stablevault/internal/health"
	"github.com/mbd888/stablevault/internal/idgen"
	"github.com/mbd888/stablevault/internal/logging"
	"github.com/mbd888/stablevault/internal/metrics"
	"github.com/mbd888/stablevault/internal/policy"
	"github.com/mbd888/stablevault/internal/presentment"
	"github.com/mbd888/stablevault/internal/ratelimit"
	"github.com/mbd888/stablevault/internal/realtime"
	"github.com/mbd888/stablevault/internal/security"
	"github.com/mbd888/stablevault/internal/sigauth"
	"github.com/mbd888/stablevault/internal/strategy"
	"github.com/mbd888/stablevault/internal/token"
	"github.com/mbd888/stablevault/internal/traces"
	"github.com/mbd888/stablevault/internal/usdc"
	"github.com/mbd888/stablevault/internal/validation"
	"github.com/mbd888/stablevault/internal/vault"
)

// Server is the main application server
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	db      *sql.DB

	tok          *token.Mock
	policyEngine *policy.Engine
	eventStore   events.Store
	vault        *vault.Vault
	presentment  *presentment.Service
	authManager  *auth.Manager

	// pool is the active simulated interest pool, nil when the strategy
	// does not accrue. Swapped at runtime by handleSetStrategy.
	poolMu sync.RWMutex
	pool   *strategy.SimPool

	hub          *realtime.Hub
	presentTimer *presentment.Timer
	accrualTimer *strategy.AccrualTimer
	rateLimiter  *ratelimit.Limiter
	healthz      *health.Registry
	cancelRunCtx context.CancelFunc
	stopTraces   func(context.Context) error

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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		healthz: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	// The asset ledger is process-local: accounts are funded through the
	// faucet endpoint (development) and approvals happen over HTTP.
	s.tok = token.NewMock()

	// Claim units, policies, events and invoices persist in Postgres when
	// configured, otherwise everything runs in memory.
	var (
		vaultStore   vault.Store
		policyStore  policy.Store
		eventStore   events.Store
		invoiceStore presentment.Store
		authStore    auth.Store
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
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		vaultStore = vault.NewPostgresStore(db)
		policyStore = policy.NewPostgresStore(db)
		eventStore = events.NewPostgresStore(db)
		invoiceStore = presentment.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		vaultStore = vault.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		invoiceStore = presentment.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory stores")
	}
	s.eventStore = eventStore

	// Mutations name their acting address; the auth manager binds API keys
	// to addresses and RequireActor checks them at the handlers.
	s.authManager = auth.NewManager(authStore, cfg.AuthRequired)
	if cfg.GovernanceAPIKey != "" {
		if err := s.authManager.SeedKey(context.Background(), cfg.GovernanceAddress, "governance bootstrap", cfg.GovernanceAPIKey); err != nil {
			return nil, fmt.Errorf("failed to seed governance API key: %w", err)
		}
	}

	domain := sigauth.Domain{
		Name:              cfg.SigningDomainName,
		Version:           "1",
		ChainID:           cfg.ChainID,
		VerifyingContract: cfg.VaultContract,
	}
	s.policyEngine = policy.NewEngine(policyStore, domain)

	signer := presentment.NewSigner(cfg.ReceiptHMACSecret)
	s.hub = realtime.NewHub(s.logger)
	s.presentment = presentment.NewService(invoiceStore, signer, s.logger).WithNotifier(s.hub)

	idleBuffer, ok := usdc.Parse(cfg.IdleBuffer)
	if !ok {
		return nil, fmt.Errorf("invalid IDLE_BUFFER: %q", cfg.IdleBuffer)
	}

	// Settlement events fan out to websocket subscribers and to invoice
	// matching.
	sink := sinkFanout{s.hub, s.presentment}
	s.vault = vault.New(
		cfg.VaultContract,
		cfg.GovernanceAddress,
		vaultStore,
		s.policyEngine,
		eventStore,
		s.tok,
		vault.WithSink(sink),
		vault.WithIdleBuffer(idleBuffer),
		vault.WithLogger(s.logger),
	)

	// A simulated interest pool is installed as the active strategy at
	// startup; governance can swap it later through SetStrategy, which
	// rebinds the timer to the replacement pool.
	if cfg.AnnualRateBps > 0 {
		s.pool = strategy.NewSimPool(
			poolAddress(cfg.VaultContract),
			cfg.VaultContract,
			s.tok,
			s.tok,
			cfg.AnnualRateBps,
		)
		if err := s.vault.SetStrategy(context.Background(), cfg.GovernanceAddress, s.pool); err != nil {
			return nil, fmt.Errorf("failed to install interest pool: %w", err)
		}
	}
	s.accrualTimer = strategy.NewAccrualTimer(s.pool, s.logger).WithNotify(s.broadcastAccrual)

	s.presentTimer = presentment.NewTimer(s.presentment, s.logger)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS * 60,
		BurstSize:         cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})

	s.registerHealthChecks()
	s.setupRouter()
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.healthz.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	s.healthz.Register("strategy", func(ctx context.Context) health.Status {
		pool := s.activePool()
		if pool == nil {
			return health.Status{Name: "strategy", Healthy: true, Detail: "none installed"}
		}
		if _, err := pool.TotalAssets(ctx); err != nil {
			return health.Status{Name: "strategy", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "strategy", Healthy: true}
	})
}

func (s *Server) activePool() *strategy.SimPool {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()
	return s.pool
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware([]string{"*"}))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	router.Use(s.rateLimiter.Middleware())
	router.Use(metrics.Middleware())
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(auth.Middleware(s.authManager))

	router.GET("/health", s.handleHealth)
	router.GET("/health/live", s.handleLiveness)
	router.GET("/health/ready", s.handleReadiness)
	router.GET("/metrics", metrics.Handler())
	router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "StableVault API",
			"version": "v1",
			"endpoints": gin.H{
				"vault":    "/v1/vault",
				"policies": "/v1/owners/{address}/policies",
				"events":   "/v1/merchants/{address}/events",
				"invoices": "/v1/invoices",
				"ws":       "/ws",
			},
		})
	})

	v1 := router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	{
		vault.NewHandler(s.vault).RegisterRoutes(v1)
		policy.NewHandler(s.policyEngine).RegisterRoutes(v1)
		events.NewHandler(s.eventStore).RegisterRoutes(v1)
		presentment.NewHandler(s.presentment).RegisterRoutes(v1)
		token.NewHandler(s.tok, s.tok, s.cfg.IsDevelopment()).RegisterRoutes(v1)
		auth.NewHandler(s.authManager, s.cfg.GovernanceAddress).RegisterRoutes(v1)

		// Strategy management needs access to server-held constructors, so
		// these two live here rather than in the vault handler.
		v1.POST("/vault/strategy", s.handleSetStrategy)
		v1.POST("/vault/accrue", s.handleAccrue)
	}

	s.router = router
}

// SetStrategyRequest installs a new yield strategy. Governance only.
type SetStrategyRequest struct {
	Caller        string `json:"caller" binding:"required"`
	Kind          string `json:"kind" binding:"required"` // "simpool" or "passthrough"
	AnnualRateBps int64  `json:"annualRateBps"`
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var req SetStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: caller, kind",
		})
		return
	}

	if !auth.RequireActor(c, req.Caller) {
		return
	}

	var (
		next strategy.Strategy
		pool *strategy.SimPool
	)
	switch req.Kind {
	case "simpool":
		if req.AnnualRateBps < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "annualRateBps must not be negative",
			})
			return
		}
		pool = strategy.NewSimPool(poolAddress(s.cfg.VaultContract), s.cfg.VaultContract, s.tok, s.tok, req.AnnualRateBps)
		next = pool
	case "passthrough":
		next = strategy.NewPassThrough(poolAddress(s.cfg.VaultContract), s.cfg.VaultContract, s.tok)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind must be simpool or passthrough",
		})
		return
	}

	if err := s.vault.SetStrategy(c.Request.Context(), req.Caller, next); err != nil {
		if errors.Is(err, vault.ErrNotGovernance) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "not_governance",
				"message": "Only the governance address may set the strategy",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "strategy_swap_failed",
			"message": "Failed to sweep and install the new strategy",
		})
		return
	}

	s.poolMu.Lock()
	s.pool = pool
	s.poolMu.Unlock()
	// The background accrual loop must tick the replacement pool, not the
	// swept one, or totals go stale between manual accruals.
	s.accrualTimer.SetPool(pool)
	c.JSON(http.StatusOK, gin.H{
		"strategy": next.Address(),
		"kind":     req.Kind,
	})
}

func (s *Server) handleAccrue(c *gin.Context) {
	pool := s.activePool()
	if pool == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_strategy",
			"message": "No interest-bearing strategy is installed",
		})
		return
	}
	if err := pool.AccrueInterest(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "accrual_failed",
			"message": "Interest accrual failed",
		})
		return
	}
	s.broadcastAccrual()

	assets, err := pool.TotalAssets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "accrual_failed",
			"message": "Failed to value pool after accrual",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":    pool.Address(),
		"totalAssets": usdc.Format(assets),
	})
}

// broadcastAccrual streams the pool's post-accrual state to subscribers.
func (s *Server) broadcastAccrual() {
	pool := s.activePool()
	if pool == nil {
		return
	}
	assets, err := pool.TotalAssets(context.Background())
	if err != nil {
		return
	}
	s.hub.BroadcastAccrual(realtime.Accrual{
		Strategy:    pool.Address(),
		Index:       pool.Index().String(),
		TotalAssets: usdc.Format(assets),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.healthz.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ok", false: "degraded"}[healthy],
		"checks": statuses,
		"env":    s.cfg.Env,
	})
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			s.logger.Warn("request error", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTELEndpoint, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTraces = shutdownTraces

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run(runCtx)
	go s.presentTimer.Start(runCtx)
	go s.accrualTimer.Start(runCtx)
	go s.sampleGauges(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Mark ready shortly after the listener comes up.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
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
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.presentTimer.Stop()
	s.accrualTimer.Stop()
	s.rateLimiter.Stop()

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("traces shutdown: %w", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("db close: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Vault exposes the engine for tests.
func (s *Server) Vault() *vault.Vault {
	return s.vault
}

// sampleGauges periodically exports vault totals to Prometheus.
func (s *Server) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if assets, err := s.vault.TotalAssets(ctx); err == nil {
				metrics.TotalAssets.Set(unitsToFloat(assets))
			}
			if units, err := s.vault.TotalClaimUnits(ctx); err == nil {
				metrics.TotalClaimUnits.Set(unitsToFloat(units))
			}
			metrics.ActiveWebSocketClients.Set(float64(s.hub.ClientCount()))
		}
	}
}

// unitsToFloat converts smallest-unit amounts to whole tokens for gauges.
func unitsToFloat(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	f.Quo(f, big.NewFloat(1e6))
	out, _ := f.Float64()
	return out
}

// sinkFanout delivers each settlement event to every registered sink.
type sinkFanout []events.Sink

func (f sinkFanout) Publish(e *events.Spent) {
	for _, sink := range f {
		sink.Publish(e)
	}
}

// poolAddress derives a stable pseudo-address for the simulated pool from
// the vault address, so restarts keep the same identity.
func poolAddress(vaultAddr string) string {
	addr := strings.ToLower(vaultAddr)
	if len(addr) > 6 {
		return addr[:len(addr)-6] + "900d5e"
	}
	return addr
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if schemeIdx := strings.Index(dsn, "://"); schemeIdx > 0 {
			return dsn[:schemeIdx+3] + "***" + dsn[idx:]
		}
	}
	return dsn
}
