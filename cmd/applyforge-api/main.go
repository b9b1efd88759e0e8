// Package main is the entry point for the applyforge-api server: the gateway
// and orchestration core in front of the Brain worker fleet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/config"
	"github.com/applyforge/applyforge-api/internal/database"
	"github.com/applyforge/applyforge-api/internal/database/migrations"
	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/http/handlers"
	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/logging"
	"github.com/applyforge/applyforge-api/internal/ratelimit"
	"github.com/applyforge/applyforge-api/internal/repository"
	"github.com/applyforge/applyforge-api/internal/service"
	"github.com/applyforge/applyforge-api/internal/stream"
	"github.com/applyforge/applyforge-api/internal/version"
	"github.com/applyforge/applyforge-api/internal/workerpool"
)

const maxL1Entries = 10000

func main() {
	// .env is a dev convenience; absence is fine.
	_ = godotenv.Load()

	// Initialize logger with TTY detection, source paths, and format control
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting applyforge-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Primary store + migrations
	primary, err := database.Open(cfg.DBURLPrimary)
	if err != nil {
		logger.Error("failed to connect to primary database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = primary.Close() }()

	if err := migrations.Run(primary.DB, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Read/write router with background health + lag probes
	dbRouter := database.NewRouter(primary, cfg.DBURLReplicas, database.RouterConfig{
		Strategy:      database.Strategy(cfg.ReadStrategy),
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		LagWarn:       cfg.LagWarnThreshold,
		LagCritical:   cfg.LagCritThreshold,
	}, logger)
	defer dbRouter.Close()
	go dbRouter.RunProbes(ctx)

	// Distributed store: L2 cache, rate limiting, cross-instance relay
	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		logger.Error("invalid CACHE_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	fabric := cache.NewFabric(maxL1Entries, cache.PolicyByName("adaptive"), cache.NewL2(rdb), logger)

	// Broker gateway (declares topology on startup)
	gateway, err := dispatch.NewGateway(dispatch.GatewayConfig{
		URL:              cfg.BrokerURL,
		QueueShards:      cfg.QueueShards,
		ConfirmTimeout:   cfg.PublishTimeout,
		MaxAttempts:      cfg.PublishAttempts,
		BackpressureWait: cfg.BackpressureWait,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	// Repositories over the router's two faces
	repos := repository.New(dbRouter)

	// Token service with validation cache
	tokens := auth.NewTokenService(cfg.TokenSecret, cfg.TokenTTL, fabric, repos.Users, logger)

	// Worker pool for background fan-out work
	pool := workerpool.New(0, nil, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// Status hub + cross-instance relay + broker consumer
	relay := stream.NewRelay(rdb, logger)
	defer relay.Close()
	hub := stream.NewHub(repos.Jobs, relay, cfg.SubscriberBuf, logger)
	consumer := stream.NewConsumer(gateway, hub, logger)
	go consumer.Run(ctx)

	// Services
	quotaSvc := service.NewQuotaService(repos.Subscriptions, fabric, logger)
	jobSvc := service.NewJobService(repos.Jobs, quotaSvc, gateway, fabric, logger)
	authSvc := service.NewAuthService(repos.Users, tokens, logger)
	statsSvc := service.NewStatsService(repos.Jobs, fabric, pool, logger)

	var storageSvc *service.StorageService
	if cfg.StorageEnabled() {
		storageSvc, err = service.NewStorageService(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize object store", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("object store not configured, presigned uploads disabled")
	}

	guard := ratelimit.NewBruteForceGuard(rdb, cfg.BruteForceMaxAttempts,
		cfg.BruteForceWindow, cfg.BruteForceLockout, logger)
	limiter := ratelimit.New(rdb, ratelimit.Limits{
		PerMinute: cfg.RatePerMinute,
		PerHour:   cfg.RatePerHour,
		PerDay:    cfg.RatePerDay,
	}, logger)

	// Handlers
	authHandler := handlers.NewAuthHandler(authSvc, guard)
	appHandler := handlers.NewApplicationHandler(jobSvc, tokens)
	streamHandler := handlers.NewStreamHandler(hub, tokens, cfg)
	dashboardHandler := handlers.NewDashboardHandler(statsSvc)
	internalHandler := handlers.NewInternalHandler(hub)
	healthHandler := handlers.NewHealthHandler(dbRouter, rdb, gateway)

	router := buildRouter(cfg, logger, tokens, limiter, routerHandlers{
		auth:      authHandler,
		apps:      appHandler,
		stream:    streamHandler,
		dashboard: dashboardHandler,
		internal:  internalHandler,
		health:    healthHandler,
		uploads:   storageSvc,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No global write timeout: the push stream manages its own lifetime.
	}

	go func() {
		logger.Info("http server listening", "port", cfg.Port, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

type routerHandlers struct {
	auth      *handlers.AuthHandler
	apps      *handlers.ApplicationHandler
	stream    *handlers.StreamHandler
	dashboard *handlers.DashboardHandler
	internal  *handlers.InternalHandler
	health    *handlers.HealthHandler
	uploads   *service.StorageService
}

// buildRouter assembles the filter chain and route groups. Order matters:
// trace first so every later short-circuit carries a correlation id, then
// sanitation, headers, and per-group auth/limiting.
func buildRouter(cfg *config.Config, logger *slog.Logger, tokens *auth.TokenService, limiter *ratelimit.Limiter, h routerHandlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(mw.Trace(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.Sanitize(mw.SanitizeConfig{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxURLLength:   cfg.MaxURLLength,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}))
	r.Use(mw.SecurityHeaders())

	// Observability (no auth, permissive CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.CORS(cfg, mw.ClassObservability))
		r.Get("/healthz", h.health.Healthz)
		r.Get("/readyz", h.health.Readyz)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public auth endpoints: IP-keyed fallback limit, brute-force guard
		// inside the login handler.
		r.Group(func(r chi.Router) {
			r.Use(mw.CORS(cfg, mw.ClassPublic))
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Post("/auth/register", h.auth.Register)
			r.Post("/auth/login", h.auth.Login)
		})

		// Internal worker ingress
		r.Group(func(r chi.Router) {
			r.Use(mw.CORS(cfg, mw.ClassInternal))
			r.Use(mw.InternalAuth(cfg.InternalAPIKey))
			r.Post("/internal/status", h.internal.Status)
		})

		// Authenticated user API
		r.Group(func(r chi.Router) {
			r.Use(mw.CORS(cfg, mw.ClassAPI))
			r.Use(mw.BearerAuth(tokens))

			// The stream authenticates bearer-or-query-token itself.
			r.Get("/applications/{jobId}/stream", h.stream.Stream)

			r.Group(func(r chi.Router) {
				r.Use(mw.RequirePrincipal(mw.Unauthorized))
				r.Use(mw.RateLimit(limiter))

				if h.uploads != nil {
					r.Post("/uploads/presigned-url", handlers.NewUploadHandler(h.uploads).PresignedURL)
				}
				r.Post("/applications", h.apps.Submit)
				r.Get("/applications", h.apps.List)
				r.Get("/applications/{jobId}", h.apps.Get)
				r.Post("/applications/{jobId}/cancel", h.apps.Cancel)
				r.Get("/applications/{jobId}/artifact", h.apps.Artifact)
				r.Post("/applications/{jobId}/stream-token", h.apps.StreamToken)
				r.Get("/dashboard/stats", h.dashboard.Stats)
			})
		})
	})

	return r
}
