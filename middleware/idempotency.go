package middleware

import (
	"errors"

	"practice-session-system/logger"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// IdempotencyMiddleware wraps a mutating route when the caller sends an
// Idempotency-Key. Requests without one pass straight through; the session
// engine still guarantees exactly-once effects on its own.
func IdempotencyMiddleware(idem *services.Idempotency, log *logger.Logger) fiber.Handler {
	log = log.With("middleware", "Idempotency")
	return func(c *fiber.Ctx) error {
		key := c.Get(HeaderIdempotencyKey)
		if key == "" {
			return c.Next()
		}

		route := c.Method() + " " + c.Path()
		body := append([]byte(nil), c.Body()...)

		res, err := idem.Handle(c.UserContext(), key, UserID(c), route, body, func() (services.StoredResponse, error) {
			if err := c.Next(); err != nil {
				return services.StoredResponse{}, err
			}
			return services.StoredResponse{
				StatusCode: c.Response().StatusCode(),
				Body:       append([]byte(nil), c.Response().Body()...),
			}, nil
		})

		var conflict *services.IdempotencyConflictError
		switch {
		case errors.As(err, &conflict):
			log.Warn("idempotency key reused with a different body", "key", key, "route", route, "user_id", UserID(c))
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":            "idempotency key reused with a different request body",
				"stored_body_hash": conflict.StoredHash,
			})
		case errors.Is(err, services.ErrIdempotencyInFlight):
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "IDEMPOTENCY_IN_FLIGHT",
			})
		case err != nil:
			return err
		}

		if res.Reused {
			c.Set(HeaderReplayed, "true")
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(res.Response.StatusCode).Send(res.Response.Body)
		}
		return nil
	}
}
