// handlers/session_routes.go
package handlers

import (
	"practice-session-system/logger"
	"practice-session-system/middleware"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// RateLimits is the token bucket applied to each mutating session route.
type RateLimits struct {
	Limiter         services.Limiter
	Capacity        int
	RefillPerSecond float64
}

// SetupSessionRoutes registers the session lifecycle and mission catalog.
// r must already carry UserContextMiddleware.
func SetupSessionRoutes(r fiber.Router, sessions *services.SessionService, idem *services.Idempotency, limits RateLimits, log *logger.Logger) {
	log = log.With("handler", "sessions")
	limit := func(route string) fiber.Handler {
		return middleware.RateLimitMiddleware(limits.Limiter, route, limits.Capacity, limits.RefillPerSecond, log)
	}
	once := middleware.IdempotencyMiddleware(idem, log)

	r.Post("/sessions", limit("sessions.start"), once, func(c *fiber.Ctx) error {
		var in services.StartInput
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&in); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
			}
		}

		res, err := sessions.StartSession(c.UserContext(), middleware.UserID(c), in)
		if err != nil {
			return writeError(c, log, err)
		}
		status := fiber.StatusCreated
		if res.Resumed {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(res)
	})

	r.Get("/sessions/:id", func(c *fiber.Ctx) error {
		sess, err := sessions.GetSession(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(sess)
	})

	r.Post("/sessions/:id/turns", limit("sessions.turn"), once, func(c *fiber.Ctx) error {
		var in services.TurnInput
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}

		sess, err := sessions.SubmitTurn(c.UserContext(), middleware.UserID(c), c.Params("id"), in)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{
			"session_id": sess.ID,
			"status":     sess.Status,
			"turn_count": sess.TurnCount,
			"score_sum":  sess.ScoreSum,
		})
	})

	r.Post("/sessions/:id/complete", limit("sessions.complete"), once, func(c *fiber.Ctx) error {
		var in services.CompleteInput
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&in); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
			}
		}

		res, err := sessions.CompleteSession(c.UserContext(), middleware.UserID(c), c.Params("id"), in)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(res)
	})

	r.Post("/sessions/:id/abort", limit("sessions.abort"), once, func(c *fiber.Ctx) error {
		var req struct {
			Reason string `json:"reason"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
			}
		}
		if req.Reason == "" {
			req.Reason = "user_abort"
		}

		sess, err := sessions.AbortSession(c.UserContext(), middleware.UserID(c), c.Params("id"), req.Reason)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(sess)
	})

	r.Get("/missions", func(c *fiber.Ctx) error {
		list, err := sessions.ListMissionsWithStatus(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"missions": list})
	})
}
