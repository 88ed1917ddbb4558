package handlers

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"practice-session-system/logger"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", services.ErrSessionNotFound, fiber.StatusNotFound, "NOT_FOUND"},
		{"forbidden", services.ErrSessionForbidden, fiber.StatusForbidden, "FORBIDDEN"},
		{"terminal", services.ErrConflictAlreadyTerminal, fiber.StatusConflict, "ALREADY_TERMINAL"},
		{"validation", services.ErrInvalidTurn, fiber.StatusBadRequest, "VALIDATION"},
		{"rate limited", &services.RateLimitedError{Key: "k", RetryAfter: 2500 * time.Millisecond}, fiber.StatusTooManyRequests, "RATE_LIMITED"},
		{"storage", errors.New("connection refused"), fiber.StatusServiceUnavailable, "TRANSIENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error { return writeError(c, logger.Nop(), tc.err) })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestWriteError_RetryAfterRoundsUp(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return writeError(c, logger.Nop(), &services.RateLimitedError{Key: "k", RetryAfter: 2500 * time.Millisecond})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, "3", resp.Header.Get(fiber.HeaderRetryAfter))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 3, body["retry_after_seconds"])
}
