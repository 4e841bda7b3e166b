package middleware

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"
)

// WorkerKeyMiddleware guards the control plane with the shared worker key.
// The key is read from the x-worker-key header, or from the key query
// parameter for clients that cannot set headers (the websocket upgrade
// from browsers). Comparison is constant-time.
func WorkerKeyMiddleware(workerKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		provided := c.Get("x-worker-key")
		if provided == "" {
			provided = c.Query("key")
		}
		if provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing worker key. Include x-worker-key header.",
			})
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(workerKey)) != 1 {
			log.Printf("❌ [AUTH] Invalid worker key attempt from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid worker key",
			})
		}

		return c.Next()
	}
}
