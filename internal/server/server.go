// Package server wires the settlement core's components into a single gin
// HTTP process: the order engine, corridor engine, conversion engine, ledger,
// offers, and their background workers (outbox drain, expiry sweep, corridor
// timeout), behind the usual middleware chain.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/corridor/internal/batch"
	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/config"
	"github.com/mbd888/corridor/internal/conversion"
	"github.com/mbd888/corridor/internal/corridor"
	"github.com/mbd888/corridor/internal/expiry"
	"github.com/mbd888/corridor/internal/health"
	"github.com/mbd888/corridor/internal/heartbeat"
	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/logging"
	"github.com/mbd888/corridor/internal/metrics"
	"github.com/mbd888/corridor/internal/offers"
	"github.com/mbd888/corridor/internal/orders"
	"github.com/mbd888/corridor/internal/outbox"
	"github.com/mbd888/corridor/internal/realtime"
	"github.com/mbd888/corridor/internal/reputation"
	"github.com/mbd888/corridor/internal/traces"
	"github.com/mbd888/corridor/internal/validation"
)

// Server bundles the HTTP surface, its background workers, and the shared
// store connection.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	clock  clock.Clock

	ledger            *ledger.Ledger
	offersService     *offers.Service
	ordersService     *orders.Service
	corridorService   *corridor.Service
	conversionService *conversion.Service
	reputationService *reputation.Service
	batchWriter       *batch.Writer
	realtimeHub       *realtime.Hub
	healthRegistry    *health.Registry

	corridorTimeoutWorker *corridor.TimeoutWorker
	outboxWorker          *outbox.Worker
	expiryWorker          *expiry.Worker

	router  *gin.Engine
	httpSrv *http.Server

	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option customizes Server construction.
type Option func(*Server)

// WithLogger sets a custom logger, overriding the one config.LogLevel builds.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides the real-time clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// New wires every component per cfg, choosing Postgres-backed or in-memory
// stores depending on whether cfg.DatabaseURL is set.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, envFormat(cfg))
	}

	ctx := context.Background()

	var (
		ordersStore     orders.Store
		offersStore     offers.Store
		corridorStore   corridor.Store
		outboxStore     outbox.Store
		ledgerStore     ledger.Store
		conversionStore conversion.Store
		reputationStore reputation.Store
		batchStore      batch.Store
	)

	if cfg.DatabaseURL != "" {
		dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db

		pgOrders := orders.NewPostgresStore(db)
		pgOffers := offers.NewPostgresStore(db)
		pgCorridor := corridor.NewPostgresStore(db)
		pgOutbox := outbox.NewPostgresStore(db)
		pgLedger := ledger.NewPostgresStore(db)
		pgConversion := conversion.NewPostgresStore(db)
		pgReputation := reputation.NewPostgresStore(db)
		pgBatch := batch.NewPostgresStore(db)

		for name, migrate := range map[string]func(context.Context) error{
			"ledger":     pgLedger.Migrate,
			"offers":     pgOffers.Migrate,
			"orders":     pgOrders.Migrate,
			"corridor":   pgCorridor.Migrate,
			"conversion": pgConversion.Migrate,
			"batch":      pgBatch.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate %s: %w", name, err)
			}
		}

		ordersStore, offersStore, corridorStore, outboxStore = pgOrders, pgOffers, pgCorridor, pgOutbox
		ledgerStore, conversionStore, reputationStore, batchStore = pgLedger, pgConversion, pgReputation, pgBatch
	} else {
		ordersStore = orders.NewMemoryStore()
		offersStore = offers.NewMemoryStore()
		corridorStore = corridor.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		conversionStore = conversion.NewMemoryStore()
		reputationStore = reputation.NewMemoryStore()
		batchStore = batch.NewMemoryStore()
	}

	s.ledger = ledger.New(ledgerStore)
	s.offersService = offers.New(offersStore, s.logger)
	s.reputationService = reputation.New(reputationStore)
	s.batchWriter = batch.New(batchStore, s.clock, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	// corridor.New needs an OrderLinker before orders.Service exists, and
	// orders.New needs a CorridorBridge before corridor.Service exists.
	// linker starts empty and is back-filled once both are built.
	linker := &corridorOrderLinker{}
	s.corridorService = corridor.New(corridorStore, s.ledger, linker)
	s.ordersService = orders.New(
		ordersStore, s.ledger,
		&ordersOffersAdapter{s.offersService}, &ordersCorridorAdapter{s.corridorService},
		&ordersRealtimePublisher{s.realtimeHub}, s.batchWriter, s.clock, s.logger,
	)
	linker.orders = s.ordersService

	s.conversionService = conversion.New(conversionStore, s.ledger, cfg.ConversionRate)

	outboxService := outbox.NewService(outboxStore, nil, 30*time.Second, 5, s.logger)

	var outboxHB, expiryHB, corridorHB *heartbeat.Writer
	if cfg.HeartbeatDir != "" {
		outboxHB = heartbeat.New(cfg.HeartbeatDir, "outbox", s.logger)
		expiryHB = heartbeat.New(cfg.HeartbeatDir, "expiry", s.logger)
		corridorHB = heartbeat.New(cfg.HeartbeatDir, "corridor-timeout", s.logger)
	}

	s.outboxWorker = outbox.NewWorker(outboxService, s.clock, cfg.OutboxPollInterval, cfg.OutboxBatchSize, time.Hour, outboxHB, s.logger)
	s.expiryWorker = expiry.NewWorker(s.ordersService, s.clock, cfg.ExpiryPollInterval, cfg.ExpiryBatchSize, expiryHB, s.logger)
	s.corridorTimeoutWorker = corridor.NewTimeoutWorker(s.corridorService, s.clock, cfg.CorridorPollInterval, 10, corridorHB, s.logger)

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("database", s.dbHealthCheck)
	}
	s.healthRegistry.Register("outbox_worker", workerHealthCheck(s.outboxWorker))
	s.healthRegistry.Register("expiry_worker", workerHealthCheck(s.expiryWorker))
	s.healthRegistry.Register("corridor_timeout_worker", workerHealthCheck(s.corridorTimeoutWorker))

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed, continuing without it", "error", err)
		} else {
			s.tracerShutdown = shutdown
		}
	}

	s.setupRouter()
	return s, nil
}

func envFormat(cfg *config.Config) string {
	if cfg.IsDevelopment() {
		return "text"
	}
	return "json"
}

// corridorOrderLinker adapts orders.Service to corridor.OrderLinker. Its
// orders field is filled in after both services exist, breaking the
// constructor cycle between corridor.New and orders.New.
type corridorOrderLinker struct {
	orders *orders.Service
}

func (l *corridorOrderLinker) LinkCorridorFulfillment(ctx context.Context, orderID, fulfillmentID string) error {
	return l.orders.LinkCorridorFulfillment(ctx, orderID, fulfillmentID)
}

func (l *corridorOrderLinker) UnlinkCorridorFulfillment(ctx context.Context, orderID string) error {
	return l.orders.UnlinkCorridorFulfillment(ctx, orderID)
}

type ordersOffersAdapter struct{ s *offers.Service }

func (a *ordersOffersAdapter) ReserveLiquidity(ctx context.Context, offerID, amount string) error {
	return a.s.ReserveLiquidity(ctx, offerID, amount)
}

func (a *ordersOffersAdapter) RestoreLiquidity(ctx context.Context, offerID, amount string) error {
	return a.s.RestoreLiquidity(ctx, offerID, amount)
}

type ordersCorridorAdapter struct{ s *corridor.Service }

func (a *ordersCorridorAdapter) BridgeOnCompletion(ctx context.Context, fulfillmentID string, now time.Time) error {
	return a.s.BridgeOnCompletion(ctx, fulfillmentID, now)
}

type ordersRealtimePublisher struct{ hub *realtime.Hub }

func (p *ordersRealtimePublisher) Publish(event realtime.Event) {
	p.hub.Publish(event)
}

func (s *Server) dbHealthCheck(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "database", Healthy: true}
}

type runningWorker interface{ Running() bool }

func workerHealthCheck(w runningWorker) health.Checker {
	return func(ctx context.Context) health.Status {
		if w.Running() {
			return health.Status{Name: "worker", Healthy: true}
		}
		return health.Status{Name: "worker", Healthy: false, Detail: "not running"}
	}
}

// -----------------------------------------------------------------------------
// Router and middleware
// -----------------------------------------------------------------------------

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(headersMiddleware())
	s.router.Use(corsMiddleware(s.cfg.CORSOrigin))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// headersMiddleware sets the same security headers the teacher's
// internal/security package applied, inlined here since that package has
// no other settlement-core consumer.
func headersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

func corsMiddleware(originConfig string) gin.HandlerFunc {
	wildcard := originConfig == "" || originConfig == "*"
	allowed := make(map[string]bool)
	if !wildcard {
		for _, o := range strings.Split(originConfig, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowed[o] = true
			}
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(b)
}

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) { s.realtimeHub.HandleWebSocket(c.Writer, c.Request) })

	v1 := s.router.Group("/v1")
	orders.NewHandler(s.ordersService, s.cfg.MockMode).RegisterRoutes(v1)
	offers.NewHandler(s.offersService, s.logger).RegisterRoutes(v1)
	corridor.NewHandler(s.corridorService, s.clock).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1)
	conversion.NewHandler(s.conversionService, s.clock).RegisterRoutes(v1)
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
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())
	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

// Router exposes the gin engine, primarily for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP listener and every background worker, blocking until
// the process receives SIGINT/SIGTERM or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.IsPrimary() {
		go s.outboxWorker.Start(runCtx)
		go s.expiryWorker.Start(runCtx)
		go s.corridorTimeoutWorker.Start(runCtx)
		go s.realtimeHub.Run(runCtx)
	}

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Host + ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.ready.Store(true)
	s.healthy.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.logger.Error("http server failed", "error", err)
		return err
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown(context.Background())
}

// Shutdown drains in-flight requests, stops every worker, flushes the batch
// writer, and closes the database connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give the load balancer time to stop routing here before the
	// listener actually closes.
	time.Sleep(5 * time.Second)

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}

	s.outboxWorker.Stop()
	s.expiryWorker.Stop()
	s.corridorTimeoutWorker.Stop()

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.batchWriter.Shutdown(flushCtx); err != nil {
		s.logger.Error("batch writer shutdown error", "error", err)
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("shutdown complete")
	return nil
}
