package handler

import (
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/gate"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/logger"
)

// Deps is everything the HTTP layer needs from the composition root.
type Deps struct {
	DB             *sql.DB
	Config         *config.Config
	AuthSvc        *service.AuthService
	AdminSvc       *service.AdminService
	MaintenanceSvc *service.MaintenanceService
	ChatSvc        *service.ChatService
	CleanupSvc     *service.CleanupService
	Tracker        *quota.Tracker
	Gate           *gate.Gate
	// Windows backs the login and setup rate limiters.
	Windows quota.WindowStore
}

// RegisterRoutes installs caller resolution, the maintenance gate and every
// route on app. Framework middleware (recover, compress, cors, logging) is
// left to the caller.
func RegisterRoutes(app *fiber.App, d Deps) {
	cfg := d.Config

	// Caller resolution runs first so the gate can let administrators through.
	app.Use(OptionalAuthMiddleware(d.AuthSvc))
	app.Use(MaintenanceMiddleware(d.Gate))

	authHandler := NewAuthHandler(d.AuthSvc, d.MaintenanceSvc, cfg.IsProduction)
	adminHandler := NewAdminHandler(d.AdminSvc, d.AuthSvc, d.CleanupSvc, authHandler)
	maintenanceHandler := NewMaintenanceHandler(d.MaintenanceSvc)
	chatHandler := NewChatHandler(d.ChatSvc, d.Tracker)
	healthHandler := NewHealthHandler(d.DB, cfg.Quota.LedgerPath)

	loginPerMinute := cfg.Quota.LoginPerMinute
	if loginPerMinute <= 0 {
		loginPerMinute = 10
	}
	authRateLimiter := NewRateLimiter(d.Windows, "auth", loginPerMinute, time.Minute)
	// History and usage reads spend no chat quota, so they get a plain per-caller limit.
	chatReadLimiter := NewRateLimiterWithKey(d.Windows, "chat-read", 30, time.Minute, IPAndUserKey)

	// Body limit middleware: 1MB for JSON API routes
	jsonBodyLimit := BodyLimitMiddleware(1 * 1024 * 1024)

	app.Get("/maintenance", maintenanceHandler.Notice)
	app.Get("/health", healthHandler.Liveness)
	app.Get("/health/ready", healthHandler.Readiness)

	metricsHandler := NewMetricsHandler()
	if cfg.Observability.MetricsEnabled {
		if cfg.IsProduction {
			app.Get("/metrics", BearerTokenMiddleware(cfg.Observability.MetricsToken), metricsHandler.Handler())
		} else {
			app.Get("/metrics", metricsHandler.Handler())
		}
	} else {
		logger.Info().Msg("Metrics endpoint disabled")
	}

	api := app.Group("/api/v1")

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/login", jsonBodyLimit, authRateLimiter.Middleware(), authHandler.Login)
	auth.Post("/register", jsonBodyLimit, authRateLimiter.Middleware(), authHandler.Register)
	auth.Post("/logout", jsonBodyLimit, CSRFMiddleware(), authHandler.Logout)
	auth.Get("/me", AuthMiddleware(d.AuthSvc), authHandler.GetMe)
	auth.Get("/ping", authHandler.Ping)
	auth.Get("/maintenance/status", authHandler.MaintenanceStatus)

	// Setup routes (unauthenticated, rate-limited)
	setup := api.Group("/setup")
	setup.Get("/status", adminHandler.CheckSetupStatus)
	setup.Post("/complete", jsonBodyLimit, authRateLimiter.Middleware(), adminHandler.CompleteSetup)

	// Chat routes. The provider check runs before the quota so a missing key
	// never costs the caller a request.
	chat := api.Group("/chat")
	chat.Post("/", jsonBodyLimit, ChatConfiguredMiddleware(d.ChatSvc), QuotaMiddleware(d.Tracker), chatHandler.Send)
	chat.Get("/history", chatReadLimiter.Middleware(), chatHandler.History)
	chat.Delete("/history", chatReadLimiter.Middleware(), chatHandler.ClearHistory)
	chat.Get("/usage", chatReadLimiter.Middleware(), chatHandler.Usage)

	// Admin routes (authenticated + admin + CSRF for mutations)
	admin := api.Group("/admin", AuthMiddleware(d.AuthSvc), AdminMiddleware(d.AuthSvc))
	admin.Get("/settings", adminHandler.GetSettings)
	admin.Put("/settings", jsonBodyLimit, CSRFMiddleware(), adminHandler.UpdateSettings)
	admin.Get("/stats", adminHandler.GetStats)
	admin.Get("/users", adminHandler.ListUsers)
	admin.Put("/users/:id/role", jsonBodyLimit, CSRFMiddleware(), adminHandler.SetUserRole)
	admin.Delete("/users/:id", CSRFMiddleware(), adminHandler.DeleteUser)
	admin.Post("/cleanup", CSRFMiddleware(), adminHandler.TriggerCleanup)

	admin.Get("/chat/ledger", adminHandler.GetLedger)
	admin.Delete("/chat/ledger", CSRFMiddleware(), adminHandler.ResetLedger)
	admin.Delete("/chat/ledger/:identity", CSRFMiddleware(), adminHandler.ResetLedgerEntry)
	admin.Get("/chat/usage", adminHandler.GetChatUsage)

	maint := admin.Group("/maintenance")
	maint.Get("/", maintenanceHandler.Current)
	maint.Post("/", jsonBodyLimit, CSRFMiddleware(), maintenanceHandler.Enable)
	maint.Post("/stop", CSRFMiddleware(), maintenanceHandler.Stop)
	maint.Get("/history", maintenanceHandler.History)
	maint.Get("/login-attempts", maintenanceHandler.LoginAttempts)
	maint.Get("/stats", maintenanceHandler.Stats)
	maint.Put("/:id", jsonBodyLimit, CSRFMiddleware(), maintenanceHandler.Update)
}
