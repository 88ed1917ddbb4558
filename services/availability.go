package services

import (
	"time"

	"practice-session-system/models"
)

// EvaluateAvailability decides whether a user may start a mission.
// Checks run in a fixed order and the first match wins; premium and level
// come before cooldown so a stale cooldown never hides a harder lock.
func EvaluateAvailability(
	m *models.Mission,
	profile *models.UserProfile,
	progress models.UserProgress,
	active *models.PracticeSession,
	now time.Time,
) models.Availability {
	if !m.Repeatable && progress.Completed[m.ID] {
		return models.Availability{State: models.AvailabilityCompleted}
	}

	if active != nil && active.Status == models.SessionStatusInProgress &&
		active.MissionID != nil && *active.MissionID == m.ID {
		return models.Availability{State: models.AvailabilityInProgress}
	}

	if m.Premium && !profile.IsPremium {
		return locked(models.LockReasonPremium)
	}

	if profile.Level < m.MinLevel {
		return locked(models.LockReasonLevel)
	}

	var missing []string
	for _, id := range m.PrerequisiteIDs {
		if !progress.Completed[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		a := locked(models.LockReasonPrereq)
		a.MissingPrereqs = missing
		return a
	}

	if cd := m.Cooldown(); cd > 0 {
		if last, ok := progress.LastCompletion[m.ID]; ok {
			unlock := last.Add(cd)
			if now.Before(unlock) {
				a := locked(models.LockReasonCooldown)
				a.UnlockAt = &unlock
				return a
			}
		}
	}

	return models.Availability{State: models.AvailabilityAvailable}
}

func locked(reason models.LockReason) models.Availability {
	return models.Availability{State: models.AvailabilityLocked, Reason: reason}
}
