package middleware

import (
	"errors"
	"math"
	"strconv"

	"practice-session-system/logger"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// RateLimitMiddleware enforces a token bucket per (user, route). A limiter
// backend failure lets the request through rather than blocking traffic.
func RateLimitMiddleware(limiter services.Limiter, route string, capacity int, refillPerSecond float64, log *logger.Logger) fiber.Handler {
	log = log.With("middleware", "RateLimit", "route", route)
	return func(c *fiber.Ctx) error {
		key := UserID(c) + ":" + route
		err := limiter.Enforce(c.UserContext(), key, capacity, refillPerSecond)
		if err == nil {
			return c.Next()
		}

		var limited *services.RateLimitedError
		if errors.As(err, &limited) {
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limited",
				"retry_after_seconds": secs,
			})
		}

		log.Warn("rate limiter unavailable, failing open", "key", key, "error", err)
		return c.Next()
	}
}
