package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		reqID, _ := c.Locals(CtxRequestID).(string)
		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if tenantID := GetTenantID(c); tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}
		if actorID := GetActorID(c); actorID != "" {
			fields = append(fields, zap.String("actor_id", actorID))
		}
		log.Info("request", fields...)

		return err
	}
}
