package services

import (
	"context"
	"testing"
	"time"

	"practice-session-system/logger"
	"practice-session-system/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// kst is the streak zone used across tests.
var kst = time.FixedZone("KST", 9*60*60)

// t0 is 10:00 KST on a Tuesday.
var t0 = time.Date(2026, time.March, 10, 10, 0, 0, 0, kst)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// newTestDB opens a private in-memory SQLite database. One connection keeps
// concurrent goroutines serialised the way row locks would in Postgres.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Mission{},
		&models.UserProfile{},
		&models.MissionCompletion{},
		&models.PracticeSession{},
		&models.SessionTurn{},
		&models.ActiveSessionGuard{},
		&models.IdempotencyRecord{},
	))
	return db
}

type fixture struct {
	db          *gorm.DB
	clock       fakeClock
	progression *ProgressionService
	missions    *MissionService
	sessions    *SessionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(t0)
	log := logger.Nop()

	progression := NewProgressionService(db)
	missions := NewMissionService(db, log, progression)
	sessions := NewSessionService(db, log, missions, SessionOptions{
		Clock:           clock,
		Zone:            kst,
		SettlementTries: 2,
	})
	return &fixture{db: db, clock: clock, progression: progression, missions: missions, sessions: sessions}
}

func (f *fixture) seed(t *testing.T, missions ...models.Mission) {
	t.Helper()
	_, err := f.missions.Upsert(context.Background(), missions)
	require.NoError(t, err)
}

func (f *fixture) setProfile(t *testing.T, userID string, fields map[string]any) {
	t.Helper()
	_, err := f.progression.EnsureProfile(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.UserProfile{}).
		Where("external_user_id = ?", userID).
		Updates(fields).Error)
}

func (f *fixture) profile(t *testing.T, userID string) models.UserProfile {
	t.Helper()
	var p models.UserProfile
	require.NoError(t, f.db.Where("external_user_id = ?", userID).First(&p).Error)
	return p
}

// play starts a session and submits the given scores.
func (f *fixture) play(t *testing.T, userID string, in StartInput, scores ...int) *models.PracticeSession {
	t.Helper()
	ctx := context.Background()

	res, err := f.sessions.StartSession(ctx, userID, in)
	require.NoError(t, err)
	for _, s := range scores {
		_, err := f.sessions.SubmitTurn(ctx, userID, res.Session.ID, TurnInput{Score: s})
		require.NoError(t, err)
	}
	return res.Session
}

func quick() StartInput { return StartInput{Mode: models.SessionModeQuick} }

func standard(missionID string) StartInput {
	return StartInput{Mode: models.SessionModeStandard, MissionID: &missionID}
}
