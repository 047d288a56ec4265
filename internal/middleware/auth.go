package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/northstar-et/backend/internal/auth"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxActorID   = "actor_id"
	CtxActorRole = "actor_role"
	CtxTenantID  = "tenant_id"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxActorID, claims.ActorID)
		c.Locals(CtxActorRole, claims.Role)
		c.Locals(CtxTenantID, claims.TenantID)

		return c.Next()
	}
}

func GetActorID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxActorID).(string)
	return id
}

func GetActorRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxActorRole).(string)
	return role
}

func GetTenantID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxTenantID).(string)
	return id
}

// RequirePermission gates a route on the rbac table.
func RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetActorRole(c), permission) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "insufficient permissions"})
		}
		return c.Next()
	}
}
