package services

import "time"

const (
	dayLayout = "2006-01-02"

	// Bonus kicks in once the streak (after this session) exceeds this
	StreakBonusThreshold = 3
	StreakBonusPercent   = 10
)

// StreakUpdate is the outcome of applying one settlement to a streak.
type StreakUpdate struct {
	Streak  int
	Day     string
	BonusXP int64
}

// DayIn formats t as a calendar day in the reference zone.
func DayIn(t time.Time, zone *time.Location) string {
	return t.In(zone).Format(dayLayout)
}

// ApplyStreak returns the new streak for a settlement at now.
// A second settlement on the same day leaves the streak alone.
func ApplyStreak(current int, lastActiveDay string, now time.Time, zone *time.Location, baseXP int64) StreakUpdate {
	today := now.In(zone)
	todayStr := today.Format(dayLayout)
	yesterday := time.Date(today.Year(), today.Month(), today.Day()-1, 12, 0, 0, 0, zone).Format(dayLayout)

	next := 1
	switch lastActiveDay {
	case todayStr:
		next = max(current, 1)
	case yesterday:
		next = current + 1
	}

	var bonus int64
	if next > StreakBonusThreshold && baseXP > 0 {
		bonus = baseXP * StreakBonusPercent / 100
	}
	return StreakUpdate{Streak: next, Day: todayStr, BonusXP: bonus}
}
