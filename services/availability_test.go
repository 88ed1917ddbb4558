package services

import (
	"testing"
	"time"

	"practice-session-system/models"

	"github.com/stretchr/testify/assert"
)

func progressOf(done map[string]time.Time) models.UserProgress {
	var rows []models.MissionCompletion
	for id, at := range done {
		rows = append(rows, models.MissionCompletion{MissionID: id, LastCompletedAt: at})
	}
	return models.NewUserProgress(rows)
}

func TestEvaluateAvailability(t *testing.T) {
	now := t0
	basic := &models.UserProfile{Level: 3}
	premium := &models.UserProfile{Level: 3, IsPremium: true}
	mid := "m1"

	cases := []struct {
		name    string
		mission models.Mission
		profile *models.UserProfile
		done    map[string]time.Time
		active  *models.PracticeSession
		state   models.AvailabilityState
		reason  models.LockReason
	}{
		{
			name:    "open",
			mission: models.Mission{ID: "m1"},
			profile: basic,
			state:   models.AvailabilityAvailable,
		},
		{
			name:    "completed one-shot",
			mission: models.Mission{ID: "m1"},
			profile: basic,
			done:    map[string]time.Time{"m1": now.Add(-time.Hour)},
			state:   models.AvailabilityCompleted,
		},
		{
			name:    "running",
			mission: models.Mission{ID: "m1"},
			profile: basic,
			active:  &models.PracticeSession{MissionID: &mid, Status: models.SessionStatusInProgress},
			state:   models.AvailabilityInProgress,
		},
		{
			name:    "premium beats cooldown",
			mission: models.Mission{ID: "m1", Premium: true, Repeatable: true, CooldownSeconds: 3600},
			profile: basic,
			done:    map[string]time.Time{"m1": now.Add(-time.Minute)},
			state:   models.AvailabilityLocked,
			reason:  models.LockReasonPremium,
		},
		{
			name:    "level",
			mission: models.Mission{ID: "m1", MinLevel: 4},
			profile: premium,
			state:   models.AvailabilityLocked,
			reason:  models.LockReasonLevel,
		},
		{
			name:    "prereq",
			mission: models.Mission{ID: "m1", PrerequisiteIDs: []string{"m0"}},
			profile: basic,
			state:   models.AvailabilityLocked,
			reason:  models.LockReasonPrereq,
		},
		{
			name:    "cooldown",
			mission: models.Mission{ID: "m1", Repeatable: true, CooldownSeconds: 3600},
			profile: basic,
			done:    map[string]time.Time{"m1": now.Add(-30 * time.Minute)},
			state:   models.AvailabilityLocked,
			reason:  models.LockReasonCooldown,
		},
		{
			name:    "cooldown elapsed",
			mission: models.Mission{ID: "m1", Repeatable: true, CooldownSeconds: 3600},
			profile: basic,
			done:    map[string]time.Time{"m1": now.Add(-time.Hour)},
			state:   models.AvailabilityAvailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateAvailability(&tc.mission, tc.profile, progressOf(tc.done), tc.active, now)
			assert.Equal(t, tc.state, got.State)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestEvaluateAvailability_Details(t *testing.T) {
	profile := &models.UserProfile{Level: 1}

	m := &models.Mission{ID: "m3", PrerequisiteIDs: []string{"m1", "m2"}}
	got := EvaluateAvailability(m, profile, progressOf(map[string]time.Time{"m1": t0}), nil, t0)
	assert.Equal(t, []string{"m2"}, got.MissingPrereqs)

	last := t0.Add(-10 * time.Minute)
	cd := &models.Mission{ID: "d", Repeatable: true, CooldownSeconds: 900}
	got = EvaluateAvailability(cd, profile, progressOf(map[string]time.Time{"d": last}), nil, t0)
	if assert.NotNil(t, got.UnlockAt) {
		assert.Equal(t, last.Add(15*time.Minute), *got.UnlockAt)
	}
}
