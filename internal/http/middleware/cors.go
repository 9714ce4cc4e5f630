package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// CORS applies permissive cross-origin headers and short-circuits
// preflight requests.
func CORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Idempotency-Key")
		c.Set("Access-Control-Expose-Headers", "X-Cache, X-RateLimit-Limit")
		c.Set("Access-Control-Max-Age", "86400")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}
