package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/gate"
	"github.com/marquee/marquee/backend/internal/handler"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/database"
	"github.com/marquee/marquee/backend/pkg/logger"
)

func main() {
	// Initialize structured logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	logger.Init(logger.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stdout,
	})

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration error")
	}

	logger.Info().
		Str("bind_address", cfg.Server.BindAddress).
		Str("port", cfg.Server.Port).
		Str("log_level", logLevel).
		Msg("Starting Marquee server")

	db, err := database.Initialize(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	if err := database.InitSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	logger.Info().Msg("Database schema initialized")

	// Repositories
	userRepo := repository.NewUserRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	maintenanceRepo := repository.NewMaintenanceRepository(db)

	// Chat rate windows live in process memory unless they must survive
	// restarts or be shared between replicas.
	// The login limiter follows the same choice; SQL cleanup sweeps every scope.
	var windows, httpWindows quota.WindowStore
	switch strings.ToLower(cfg.Quota.WindowStore) {
	case "sql":
		windows = repository.NewRateWindowRepository(db, "chat")
		httpWindows = repository.NewRateWindowRepository(db, "http")
	default:
		windows = quota.NewMemoryWindowStore(time.Minute)
		httpWindows = quota.NewMemoryWindowStore(time.Minute)
	}
	logger.Info().Str("window_store", cfg.Quota.WindowStore).Msg("Chat rate window store selected")

	ledger, err := quota.OpenFileLedger(cfg.Quota.LedgerPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Quota.LedgerPath).Msg("Failed to open guest ledger")
	}
	ledger.StartFlusher(cfg.Quota.FlushInterval)
	handler.UpdateGuestLedgerSize(len(ledger.Snapshot()))

	// Services
	maintenanceSvc := service.NewMaintenanceService(maintenanceRepo)

	adminSvc := service.NewAdminService(settingsRepo, userRepo, quota.Limits{
		Window:    cfg.Quota.Window,
		MaxLogged: cfg.Quota.MaxLogged,
		MaxGuest:  cfg.Quota.MaxGuest,
	})
	adminSvc.SetLedger(ledger)
	adminSvc.SetMaintenanceService(maintenanceSvc)

	authSvc := service.NewAuthService(userRepo, cfg)
	authSvc.SetSettingsProvider(adminSvc)
	authSvc.SetMaintenanceService(maintenanceSvc)

	chatSvc := service.NewChatService(cfg.Chat)
	if !chatSvc.Configured() {
		logger.Warn().Msg("COHERE_API_KEY is not set, chat requests will be refused")
	}

	tracker := quota.NewTracker(windows, ledger, adminSvc, quota.Config{Retention: cfg.Quota.Retention})
	cleanupSvc := service.NewCleanupService(maintenanceSvc, windows, ledger, cfg.Quota.Retention)

	g := gate.New(maintenanceRepo, gate.Config{
		LookupTimeout:   cfg.Maintenance.LookupTimeout,
		AdminPathPrefix: cfg.Maintenance.AdminPathPrefix,
		NoticePath:      cfg.Maintenance.NoticePath,
	}).WithVisitRecorder(maintenanceRepo)

	app := fiber.New(fiber.Config{
		BodyLimit:               1 * 1024 * 1024,
		DisableKeepalive:        false,
		ReadTimeout:             10 * time.Second,
		WriteTimeout:            30 * time.Second,
		IdleTimeout:             60 * time.Second,
		ProxyHeader:             fiber.HeaderXForwardedFor,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          cfg.Server.TrustedProxies,
		EnableIPValidation:      true,
	})

	logger.Info().
		Strs("trusted_proxies", cfg.Server.TrustedProxies).
		Msg("Trusted proxy configuration loaded")

	// Middleware
	app.Use(recover.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelDefault,
	}))
	app.Use(handler.SecurityHeadersMiddleware())
	app.Use(handler.RequestIDMiddleware())
	app.Use(handler.MetricsMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-CSRF-Token, X-Requested-With",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           3600, // Cache preflight responses for 1 hour
	}))
	app.Use(logger.Middleware())

	handler.RegisterRoutes(app, handler.Deps{
		DB:             db,
		Config:         cfg,
		AuthSvc:        authSvc,
		AdminSvc:       adminSvc,
		MaintenanceSvc: maintenanceSvc,
		ChatSvc:        chatSvc,
		CleanupSvc:     cleanupSvc,
		Tracker:        tracker,
		Gate:           g,
		Windows:        httpWindows,
	})

	// Background jobs: the maintenance sweeper closes expired windows even
	// when no request arrives, the cleanup job prunes stale quota state.
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	go maintenanceSvc.RunSweeper(jobsCtx, cfg.Maintenance.SweepInterval)
	go cleanupSvc.RunEvery(jobsCtx, time.Minute, func(results map[string]string) {
		handler.UpdateGuestLedgerSize(len(ledger.Snapshot()))
		logger.Debug().Interface("results", results).Msg("Expired data cleanup completed")
	})

	go func() {
		addr := net.JoinHostPort(cfg.Server.BindAddress, cfg.Server.Port)
		logger.Info().
			Str("address", addr).
			Bool("metrics_enabled", cfg.Observability.MetricsEnabled).
			Msg("HTTP server listening")
		if err := app.Listen(addr); err != nil {
			logger.Error().Err(err).Msg("Server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info().Msg("Stopping background jobs...")
	stopJobs()

	logger.Info().Msg("Shutting down HTTP server...")
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	// The ledger is flushed after HTTP shutdown drains in-flight chat requests.
	logger.Info().Msg("Flushing guest ledger...")
	if err := ledger.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to flush guest ledger")
	}

	logger.Info().Msg("Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing database")
	}

	logger.Info().Msg("Server stopped gracefully")
}
