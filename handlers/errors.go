// handlers/errors.go
package handlers

import (
	"errors"
	"math"
	"strconv"

	"practice-session-system/logger"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// writeError maps service errors onto HTTP statuses. Anything unrecognised
// is treated as a storage outage and reported as retryable.
func writeError(c *fiber.Ctx, log *logger.Logger, err error) error {
	var (
		locked  *services.MissionLockedError
		illegal *services.IllegalStatusTransitionError
		limited *services.RateLimitedError
		idem    *services.IdempotencyConflictError
	)

	switch {
	case errors.As(err, &locked):
		body := fiber.Map{
			"error":  "mission locked",
			"code":   "MISSION_LOCKED",
			"reason": locked.Reason,
		}
		if locked.UnlockAt != nil {
			body["unlock_at"] = locked.UnlockAt.UTC()
		}
		if len(locked.Missing) > 0 {
			body["missing_prereqs"] = locked.Missing
		}
		return c.Status(fiber.StatusForbidden).JSON(body)

	case errors.As(err, &illegal):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ILLEGAL_STATUS_TRANSITION",
			"from":  illegal.From,
			"to":    illegal.To,
		})

	case errors.Is(err, services.ErrConflictAlreadyTerminal):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ALREADY_TERMINAL",
		})

	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":               err.Error(),
			"code":                "RATE_LIMITED",
			"retry_after_seconds": secs,
		})

	case errors.As(err, &idem):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":            err.Error(),
			"code":             "IDEMPOTENCY_CONFLICT",
			"stored_body_hash": idem.StoredHash,
		})

	case errors.Is(err, services.ErrSessionNotFound), errors.Is(err, services.ErrMissionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error(), "code": "NOT_FOUND"})

	case errors.Is(err, services.ErrSessionForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error(), "code": "FORBIDDEN"})

	case errors.Is(err, services.ErrMissionRequired),
		errors.Is(err, services.ErrInvalidMode),
		errors.Is(err, services.ErrInvalidTurn),
		errors.Is(err, services.ErrInvalidOutcome),
		errors.Is(err, services.ErrEmptySession):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "code": "VALIDATION"})
	}

	log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "temporarily unavailable, retry later",
		"code":  "TRANSIENT",
	})
}
