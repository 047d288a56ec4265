package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/http/handlers"
	"github.com/northstar-et/backend/internal/middleware"
	"github.com/northstar-et/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	auditHandler *handlers.AuditHandler,
	exportHandler *handlers.ExportHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))

	// Everything below requires a resolved actor.
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Trail writes
	protected.Post("/audit/records",
		middleware.RequirePermission(rbac.PermAuditSubmit), auditHandler.Submit)

	// Trail reads
	protected.Get("/audit/records",
		middleware.RequirePermission(rbac.PermAuditRead), auditHandler.Query)
	protected.Get("/audit/records/:id",
		middleware.RequirePermission(rbac.PermAuditRead), auditHandler.GetRecord)

	// Aggregates
	protected.Get("/audit/aggregates/daily",
		middleware.RequirePermission(rbac.PermAuditRead), auditHandler.ActivityByDay)
	protected.Get("/audit/aggregates/actions",
		middleware.RequirePermission(rbac.PermAuditRead), auditHandler.ActionCounts)
	protected.Get("/audit/aggregates/actors",
		middleware.RequirePermission(rbac.PermAuditRead), auditHandler.ActorRollups)

	// Chain verification
	protected.Post("/audit/verify",
		middleware.RequirePermission(rbac.PermAuditVerify), auditHandler.Verify)

	// Compliance exports
	protected.Post("/audit/exports",
		middleware.RequirePermission(rbac.PermAuditExport), exportHandler.CreateExport)
	protected.Get("/audit/exports/:id",
		middleware.RequirePermission(rbac.PermAuditExport), exportHandler.GetExportJob)

	// Platform-scope stream (cross-tenant operations, unchained)
	protected.Post("/audit/platform/records",
		middleware.RequirePermission(rbac.PermAuditPlatformRead), auditHandler.SubmitPlatform)
	protected.Get("/audit/platform/records",
		middleware.RequirePermission(rbac.PermAuditPlatformRead), auditHandler.QueryPlatform)

	// WebSocket live stream
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
