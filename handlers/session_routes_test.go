package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"practice-session-system/logger"
	"practice-session-system/middleware"
	"practice-session-system/models"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testServer struct {
	app      *fiber.App
	sessions *services.SessionService
}

func newTestServer(t *testing.T, capacity int) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.Mission{}, &models.UserProfile{}, &models.MissionCompletion{},
		&models.PracticeSession{}, &models.SessionTurn{}, &models.ActiveSessionGuard{},
		&models.IdempotencyRecord{},
	))

	log := logger.Nop()
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 10, 1, 0, 0, 0, time.UTC))
	progression := services.NewProgressionService(db)
	missions := services.NewMissionService(db, log, progression)
	_, err = missions.Upsert(context.Background(), []models.Mission{
		{ID: "m1", Code: "m1", Title: "One"},
		{ID: "m2", Code: "m2", Title: "Two", PrerequisiteIDs: []string{"m1"}},
	})
	require.NoError(t, err)

	sessions := services.NewSessionService(db, log, missions, services.SessionOptions{Clock: clock})
	idem := services.NewIdempotency(services.NewGormIdempotencyStore(db), log, clock, time.Hour)

	app := fiber.New()
	secured := app.Group("/", middleware.UserContextMiddleware(log))
	SetupSessionRoutes(secured, sessions, idem, RateLimits{
		Limiter:         services.NewMemoryLimiter(clock),
		Capacity:        capacity,
		RefillPerSecond: 1,
	}, log)
	SetupProgressionRoutes(secured, progression, log)

	return &testServer{app: app, sessions: sessions}
}

type call struct {
	method, path, body string
	user               string
	headers            map[string]string
}

func (s *testServer) do(t *testing.T, c call) (*http.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (s *testServer) start(t *testing.T, user string) string {
	t.Helper()
	resp, body := s.do(t, call{method: "POST", path: "/sessions", body: `{"mode":"quick"}`, user: user})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, body)
	return body["session"].(map[string]any)["id"].(string)
}

func TestSessionRoutes_Lifecycle(t *testing.T) {
	s := newTestServer(t, 50)

	id := s.start(t, "u1")

	resp, body := s.do(t, call{method: "POST", path: "/sessions", body: `{"mode":"quick"}`, user: "u1"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["resumed"])

	for _, score := range []string{"62", "74", "88", "96"} {
		resp, _ := s.do(t, call{method: "POST", path: "/sessions/" + id + "/turns", body: `{"score":` + score + `}`, user: "u1"})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, body = s.do(t, call{method: "POST", path: "/sessions/" + id + "/complete", user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, false, body["idempotent"])
	assert.Equal(t, 80.0, body["final_score"])
	reward := body["reward"].(map[string]any)
	assert.EqualValues(t, 70, reward["xp"])
	assert.EqualValues(t, 35, reward["coins"])
	assert.EqualValues(t, 1, reward["gems"])

	resp, body = s.do(t, call{method: "POST", path: "/sessions/" + id + "/complete", user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["idempotent"])

	resp, body = s.do(t, call{method: "POST", path: "/sessions/" + id + "/turns", body: `{"score":50}`, user: "u1"})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ILLEGAL_STATUS_TRANSITION", body["code"])

	resp, body = s.do(t, call{method: "POST", path: "/sessions/" + id + "/abort", user: "u1"})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_TERMINAL", body["code"])

	resp, body = s.do(t, call{method: "GET", path: "/sessions/" + id, user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["turns"], 4)

	resp, _ = s.do(t, call{method: "GET", path: "/sessions/" + id, user: "u2"})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, call{method: "GET", path: "/sessions/nope", user: "u1"})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, call{method: "GET", path: "/user/progress", user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 70, body["xp"])
	assert.EqualValues(t, 35, body["coins"])
	assert.EqualValues(t, 1, body["streak"])
	assert.Equal(t, "Bronze", body["rank_name"])
}

func TestSessionRoutes_Validation(t *testing.T) {
	s := newTestServer(t, 50)

	resp, _ := s.do(t, call{method: "POST", path: "/sessions", body: `{"mode":"quick"}`})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, call{method: "POST", path: "/sessions", body: `{"mode":"turbo"}`, user: "u1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])

	resp, _ = s.do(t, call{method: "POST", path: "/sessions", body: `{not json`, user: "u1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	id := s.start(t, "u1")
	resp, _ = s.do(t, call{method: "POST", path: "/sessions/" + id + "/turns", body: `{"score":140}`, user: "u1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, call{method: "POST", path: "/sessions/" + id + "/complete", user: "u1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "no turns yet")
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestSessionRoutes_MissionLocked(t *testing.T) {
	s := newTestServer(t, 50)

	resp, body := s.do(t, call{method: "POST", path: "/sessions", body: `{"mode":"standard","mission_id":"m2"}`, user: "u1"})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "MISSION_LOCKED", body["code"])
	assert.Equal(t, "prereq", body["reason"])
	assert.Equal(t, []any{"m1"}, body["missing_prereqs"])

	resp, body = s.do(t, call{method: "GET", path: "/missions", user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	list := body["missions"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)["availability"].(map[string]any)
	assert.Equal(t, "available", first["state"])
}

func TestSessionRoutes_AbortFreesTheSlot(t *testing.T) {
	s := newTestServer(t, 50)

	id := s.start(t, "u1")
	resp, body := s.do(t, call{method: "POST", path: "/sessions/" + id + "/abort", body: `{"reason":"timeout"}`, user: "u1"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "aborted", body["status"])
	assert.Equal(t, "timeout", body["end_reason"])

	assert.NotEqual(t, id, s.start(t, "u1"))
}

func TestSessionRoutes_IdempotencyKey(t *testing.T) {
	s := newTestServer(t, 50)

	id := s.start(t, "u1")
	_, _ = s.do(t, call{method: "POST", path: "/sessions/" + id + "/turns", body: `{"score":90}`, user: "u1"})

	key := map[string]string{middleware.HeaderIdempotencyKey: "abc-123"}
	complete := call{method: "POST", path: "/sessions/" + id + "/complete", body: `{"end_reason":"done"}`, user: "u1", headers: key}

	resp, first := s.do(t, complete)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(middleware.HeaderReplayed))
	assert.Equal(t, false, first["idempotent"])

	resp, again := s.do(t, complete)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(middleware.HeaderReplayed))
	assert.Equal(t, first, again, "stored response is replayed byte for byte")

	complete.body = `{"end_reason":"other"}`
	resp, body := s.do(t, complete)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["stored_body_hash"])
}

func TestSessionRoutes_RateLimited(t *testing.T) {
	s := newTestServer(t, 2)

	id := s.start(t, "u1")
	turn := call{method: "POST", path: "/sessions/" + id + "/turns", body: `{"score":70}`, user: "u1"}

	for i := 0; i < 2; i++ {
		resp, _ := s.do(t, turn)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, body := s.do(t, turn)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.EqualValues(t, 1, body["retry_after_seconds"])

	// Buckets are per user
	other := s.start(t, "u2")
	resp, _ = s.do(t, call{method: "POST", path: "/sessions/" + other + "/turns", body: `{"score":70}`, user: "u2"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
