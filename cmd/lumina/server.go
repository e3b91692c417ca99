package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luminagen/lumina/api/handlers"
	"github.com/luminagen/lumina/config"
	"github.com/luminagen/lumina/gallery"
	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/gen/circuitbreaker"
	"github.com/luminagen/lumina/gen/idempotency"
	"github.com/luminagen/lumina/gen/poll"
	"github.com/luminagen/lumina/gen/providers"
	"github.com/luminagen/lumina/gen/ratelimit"
	"github.com/luminagen/lumina/gen/resolve"
	"github.com/luminagen/lumina/internal/metrics"
	"github.com/luminagen/lumina/internal/server"
	"github.com/luminagen/lumina/internal/store"
	"github.com/luminagen/lumina/internal/telemetry"
	"github.com/luminagen/lumina/ledger"
)

// Server wires every collaborator together and owns their lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *store.Store
	rdb       *redis.Client
	collector *metrics.Collector
	otel      *telemetry.Providers

	orchestrator *gen.Orchestrator
	registry     *gen.Registry
	ledger       ledger.Ledger
	sweeper      *ledger.Sweeper

	httpServer    *server.Manager
	metricsServer *server.Manager

	bgCancel context.CancelFunc
}

// NewServer creates an unstarted server from the loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// Start opens the database, builds the engine, and brings up both
// listeners. On any error everything already opened is torn down.
func (s *Server) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.collector = metrics.NewCollector("lumina", s.logger)

	st, err := store.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.store = st

	if err := ledger.Migrate(st.SQLDB(), st.Driver()); err != nil {
		s.store.Close()
		return fmt.Errorf("apply migrations: %w", err)
	}

	led := ledger.NewGormLedger(st.DB(), s.logger)
	s.ledger = led
	audit := ledger.NewGormAudit(st.DB(), s.logger)

	gal := gallery.NewGormGallery(st.DB(), s.logger)
	if err := gal.AutoMigrate(); err != nil {
		s.store.Close()
		return fmt.Errorf("migrate gallery: %w", err)
	}

	blobs, err := gallery.NewFileBlobStore(s.cfg.Blob, s.logger)
	if err != nil {
		s.store.Close()
		return fmt.Errorf("open blob store: %w", err)
	}

	s.registry = s.buildRegistry()

	breaker := circuitbreaker.New(s.cfg.Breaker, s.logger)
	limiter := ratelimit.New(s.cfg.RateLimit, nil)

	opts := []gen.OrchestratorOption{
		gen.WithMetrics(s.collector),
		gen.WithRateLimiter(limiter),
	}
	if s.cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		opts = append(opts, gen.WithIdempotency(idempotency.NewRedisManager(s.rdb, "", s.logger)))
	}

	s.orchestrator = gen.NewOrchestrator(
		s.cfg.Orchestrator,
		led,
		s.registry,
		breaker,
		blobs,
		gal,
		audit,
		s.logger,
		opts...,
	)

	s.sweeper = ledger.NewSweeper(led, s.cfg.Ledger.SweepInterval, s.cfg.Ledger.ReservationTTL, s.logger)
	go s.sweeper.Run(bgCtx)

	if err := s.startHTTPServer(bgCtx); err != nil {
		s.store.Close()
		return err
	}
	if err := s.startMetricsServer(); err != nil {
		s.httpServer.Shutdown(context.Background())
		s.store.Close()
		return err
	}

	s.logger.Info("lumina started",
		zap.String("http_addr", s.httpServer.Addr()),
		zap.String("metrics_addr", s.metricsServer.Addr()),
		zap.Strings("models", s.registry.Models()),
	)
	return nil
}

// buildRegistry registers an adapter for every provider with an API key.
func (s *Server) buildRegistry() *gen.Registry {
	registry := gen.NewRegistry()
	poller := poll.New(s.cfg.Poll, s.logger)
	resolver := resolve.New(s.cfg.Resolve, s.logger)
	p := s.cfg.Providers

	if p.Flux.APIKey != "" {
		registry.RegisterPrefix("flux-", providers.NewFlux(p.Flux, poller, resolver, s.logger))
	}
	if p.Reve.APIKey != "" {
		registry.RegisterPrefix("reve-", providers.NewReve(p.Reve, poller, resolver, s.logger))
	}
	if p.Gemini.APIKey != "" {
		registry.RegisterPrefix("gemini-", providers.NewGemini(p.Gemini, resolver, s.logger))
	}
	if p.OpenAI.APIKey != "" {
		openai := providers.NewOpenAI(p.OpenAI, resolver, s.logger)
		registry.Register("dall-e-3", openai)
		registry.Register("gpt-image-1", openai)
	}
	return registry
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Fn:        s.store.Ping,
	})
	if s.rdb != nil {
		health.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "redis",
			Fn: func(ctx context.Context) error {
				return s.rdb.Ping(ctx).Err()
			},
		})
	}

	generation := handlers.NewGenerationHandler(s.orchestrator, s.logger)
	credits := handlers.NewCreditsHandler(s.ledger, s.logger)
	models := handlers.NewModelsHandler(s.registry, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("POST /api/v1/generations", generation.HandleGenerate)
	mux.HandleFunc("GET /api/v1/credits", credits.HandleBalance)
	mux.HandleFunc("POST /api/v1/credits/topup", credits.HandleTopUp)
	mux.HandleFunc("GET /api/v1/models", models.HandleList)

	skipAuth := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing("lumina-http"),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuth, s.logger),
		Identity(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
	)

	s.httpServer = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpServer.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	s.metricsServer = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}, s.logger)
	return s.metricsServer.Start()
}

// WaitForShutdown blocks until a signal or serve error, then tears
// everything down.
func (s *Server) WaitForShutdown() {
	s.httpServer.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops both listeners and the background workers.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
}
