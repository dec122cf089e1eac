package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitplan/subsync/internal/broadcast"
	"github.com/fitplan/subsync/internal/config"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/handler"
	appMiddleware "github.com/fitplan/subsync/internal/middleware"
	"github.com/fitplan/subsync/internal/repository"
	"github.com/fitplan/subsync/internal/service"
	"github.com/fitplan/subsync/internal/ws"
	"github.com/fitplan/subsync/pkg/crypto"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// stores groups the persistence backends selected by STORE_DRIVER.
type stores struct {
	canonical service.CanonicalStore
	customers service.CustomerDirectory
	ledger    service.DeliveryLedger
	status    service.StatusStore
	close     func()
}

func main() {
	// Load .env file if present (for local development)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not read .env: %v\n", err)
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.StoreDriver == config.StoreDriverPostgres {
		db, err = repository.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database error")
		}
		defer db.Close()

		if err := repository.RunMigrations(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		logger.Info().Msg("database connected & migrated")
	}
	st := newStores(db, logger)
	defer st.close()

	// Redis carries local fallback copies and the cross-instance broadcast bus.
	var (
		rdb      *redis.Client
		fallback service.FallbackStore
		bus      broadcast.Bus
	)
	if cfg.RedisURL != "" {
		rdb, err = repository.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis error")
		}
		defer rdb.Close()

		enc, err := crypto.NewEncryptor(cfg.EncryptionKey, "subsync/fallback/v1")
		if err != nil {
			logger.Fatal().Err(err).Msg("encryption error")
		}
		fallback = repository.NewRedisFallbackStore(rdb, enc, cfg.LocalFallbackMaxAge)
		bus = repository.NewRedisBroadcastBus(rdb, logger)
		logger.Info().Msg("redis connected")
	} else {
		bus = broadcast.NewLocalBus()
		logger.Warn().Msg("REDIS_URL not set: no local fallback copies, broadcasts stay in process")
	}

	var gateway payment.Gateway
	if cfg.UseStripe() {
		gateway = payment.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	} else {
		gateway = payment.NewMockGateway(cfg.StripeWebhookSecret)
		logger.Warn().Msg("STRIPE_API_KEY not set: using mock billing gateway")
	}

	plans := domain.NewPlanCatalog(cfg.MonthlyPriceID, cfg.AnnualPriceID)
	metrics := service.NewMetrics()
	authSvc := service.NewAuthService(cfg.JWTSecret)

	// Services
	writer := service.NewCanonicalWriter(st.canonical, logger)
	resolver := service.NewUserResolver(st.customers)

	processor := service.NewEventProcessor(gateway, writer, resolver, st.ledger, metrics, service.ProcessorConfig{
		WebhookTimeout:       cfg.WebhookTimeout,
		ProviderQueryTimeout: cfg.ProviderQueryTimeout,
		PaymentFailedPolicy:  service.PaymentFailedPolicy(cfg.PaymentFailedPolicy),
	}, logger)

	cacheMgr := service.NewCacheManager(st.canonical, fallback, gateway, bus, metrics, service.CacheConfig{
		CacheTimeout:         cfg.CacheTimeout,
		LocalFallbackMaxAge:  cfg.LocalFallbackMaxAge,
		WatchIdle:            cfg.PushIdleTimeout,
		ProviderQueryTimeout: cfg.ProviderQueryTimeout,
		FreeWorkoutLimit:     cfg.FreeWorkoutLimit,
	}, logger)

	recovery := service.NewRecoveryManager(gateway, st.canonical, writer, resolver, cacheMgr, metrics, service.RecoveryConfig{
		MaxAttempts:          cfg.RecoveryMaxRetries,
		BaseBackoff:          cfg.RecoveryBaseBackoff,
		JitterFraction:       0.2,
		ProviderQueryTimeout: cfg.ProviderQueryTimeout,
		RecheckAfter:         cfg.RecoveryRecheckAfter,
	}, logger)

	healthCfg := service.HealthConfig{
		Interval:               cfg.HealthCheckInterval,
		Lookback:               cfg.HealthLookback,
		WebhookDeliveryTimeout: cfg.WebhookDeliveryTimeout,
		MaxFailedEvents:        cfg.MaxFailedEvents,
		StuckThreshold:         cfg.StuckThreshold,
	}
	monitor := service.NewHealthMonitor(gateway, st.ledger, st.canonical, st.status, cacheMgr, recovery, bus, metrics, cacheMgr.Origin(), healthCfg, logger)

	cacheMgr.Start(ctx)
	monitor.Start(ctx)
	logger.Info().Stringer("health", healthCfg).Msg("background services started")

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(db, rdb)
	plansHandler := handler.NewPlansHandler(plans)
	webhookHandler := handler.NewWebhookHandler(processor)
	entitlementHandler := handler.NewEntitlementHandler(cacheMgr, plans)
	adminHandler := handler.NewAdminHandler(monitor, recovery, writer, cacheMgr)
	streamHandler := ws.NewEntitlementStreamHandler(cacheMgr, authSvc, logger)

	// Build router
	r := chi.NewRouter()

	// Global middleware
	r.Use(appMiddleware.Recovery(logger))
	r.Use(appMiddleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", appMiddleware.RequestIDHeader},
		ExposedHeaders:   []string{appMiddleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, metrics and provider webhooks (no auth, no rate limit)
	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/api/webhooks/billing", webhookHandler.HandleBilling)

	// WebSocket stream (auth via query param)
	r.Get("/api/entitlement/stream", streamHandler.Handle)

	r.Group(func(r chi.Router) {
		// Global rate limiter (20 req/sec per IP, burst of 40)
		globalRL := appMiddleware.NewRateLimiter(20, 40)
		r.Use(globalRL.Middleware())

		r.Get("/api/plans", plansHandler.List)

		// Protected API routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.Auth(authSvc))

			r.Get("/api/entitlement", entitlementHandler.Get)
			r.Post("/api/entitlement/refresh", entitlementHandler.Refresh)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(appMiddleware.AdminOnly)
				r.Get("/api/admin/health", adminHandler.Health)
				r.Post("/api/admin/users/{id}/reset-usage", adminHandler.ResetUsage)

				r.Group(func(r chi.Router) {
					r.Use(appMiddleware.StrictRateLimiter())
					r.Post("/api/admin/health/check", adminHandler.RunHealthCheck)
					r.Post("/api/admin/subscriptions/{id}/recover", adminHandler.Recover)
				})
			})
		})
	})

	// Start server
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must be 0 for WebSocket connections (they are long-lived)
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("subscription sync listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}

	monitor.Stop()
	cacheMgr.Stop()
	logger.Info().Msg("stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "subsync").Logger()
}

func newStores(db *pgxpool.Pool, logger zerolog.Logger) stores {
	if db == nil {
		return stores{
			canonical: repository.NewMemorySubscriptionStore(),
			customers: repository.NewMemoryCustomerDirectory(),
			ledger:    repository.NewMemoryDeliveryLedger(),
			status:    repository.NewMemoryStatusStore(),
			close:     func() {},
		}
	}
	subRepo := repository.NewSubscriptionRepository(db, logger)
	return stores{
		canonical: subRepo,
		customers: repository.NewCustomerRepository(db),
		ledger:    repository.NewDeliveryRepository(db),
		status:    repository.NewCacheRepository(db),
		close:     subRepo.Close,
	}
}
