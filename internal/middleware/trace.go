package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/logging"
)

// TraceContext copies the request id set by the requestid middleware into
// the request's user context so that service logs carry it as trace_id.
func TraceContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id, ok := c.Locals("requestid").(string); ok && id != "" {
			c.SetUserContext(logging.WithTraceID(c.UserContext(), id))
		}
		return c.Next()
	}
}
