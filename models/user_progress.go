package models

import (
	"time"

	"gorm.io/gorm"
)

// UserProfile is the per-user wallet and progression aggregate (denormalized for performance).
// Only the first applier of a session settlement writes to it.
type UserProfile struct {
	ID             string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	// Core progression
	TotalXP int64 `json:"total_xp" gorm:"default:0"`
	Level   int   `json:"level" gorm:"default:1"`
	Rank    int   `json:"rank" gorm:"default:1"` // Bronze(1)→Silver(2)→Gold(3)→Platinum(4)→Diamond(5)

	// Wallet
	Coins    int64 `json:"coins" gorm:"default:0"`
	Diamonds int64 `json:"diamonds" gorm:"default:0"`

	IsPremium bool `json:"is_premium" gorm:"default:false"`

	// Streak, days are YYYY-MM-DD in the streak reference zone
	CurrentStreak int    `json:"current_streak" gorm:"default:0"`
	LastActiveDay string `json:"last_active_day" gorm:"type:varchar(10)"`

	TotalSessions int64 `json:"total_sessions" gorm:"default:0"`

	// Milestones
	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`
	LastRankUpAt  *time.Time `json:"last_rank_up_at,omitempty"`

	Timestamps
}

// MissionCompletion is one row per (user, mission) that has ever succeeded.
// The set of rows is the completed-mission set; LastCompletedAt is the
// last-completion map used for cooldowns.
type MissionCompletion struct {
	UserID          string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	MissionID       string    `gorm:"primaryKey;type:varchar(64)" json:"mission_id"`
	Completions     int       `gorm:"not null;default:1" json:"completions"`
	LastCompletedAt time.Time `gorm:"not null" json:"last_completed_at"`
	LastSessionID   string    `json:"last_session_id"`
}

// UserProgress is the read-only snapshot the availability check consumes.
type UserProgress struct {
	Completed      map[string]bool
	LastCompletion map[string]time.Time
}

// NewUserProgress folds completion rows into the set/map view.
func NewUserProgress(rows []MissionCompletion) UserProgress {
	p := UserProgress{
		Completed:      make(map[string]bool, len(rows)),
		LastCompletion: make(map[string]time.Time, len(rows)),
	}
	for _, r := range rows {
		p.Completed[r.MissionID] = true
		p.LastCompletion[r.MissionID] = r.LastCompletedAt
	}
	return p
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
