// models/practice_session.go
package models

import (
	"fmt"
	"time"
)

// SessionMode selects how a practice session is scored and gated.
type SessionMode string

const (
	SessionModeStandard SessionMode = "standard" // bound to a mission, gated by availability
	SessionModeQuick    SessionMode = "quick"
	SessionModeShadow   SessionMode = "shadow"
)

func (m SessionMode) Valid() bool {
	switch m {
	case SessionModeStandard, SessionModeQuick, SessionModeShadow:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a practice session.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusSuccess    SessionStatus = "success"
	SessionStatusFail       SessionStatus = "fail"
	SessionStatusAborted    SessionStatus = "aborted"
)

// Terminal reports whether no further transition is allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSuccess || s == SessionStatusFail || s == SessionStatusAborted
}

// IllegalStatusTransitionError names the attempted and the current state.
type IllegalStatusTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *IllegalStatusTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// CheckTransition validates from -> to before anything is written.
// in_progress -> in_progress is allowed and means "nothing to do".
func CheckTransition(from, to SessionStatus) error {
	if from.Terminal() {
		return &IllegalStatusTransitionError{From: from, To: to}
	}
	switch to {
	case SessionStatusInProgress, SessionStatusSuccess, SessionStatusFail, SessionStatusAborted:
		return nil
	}
	return &IllegalStatusTransitionError{From: from, To: to}
}

// PracticeSession is one attempt at a mission, or a free quick/shadow run.
// Rows are never deleted, only marked terminal.
type PracticeSession struct {
	ID        string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string        `gorm:"index;not null" json:"user_id"`
	MissionID *string       `gorm:"index" json:"mission_id,omitempty"`
	Mode      SessionMode   `gorm:"type:varchar(16);not null" json:"mode"`
	Status    SessionStatus `gorm:"type:varchar(16);not null;index;default:'in_progress'" json:"status"`

	// Running metrics, bumped by every accepted turn
	TurnCount int   `json:"turn_count" gorm:"default:0"`
	ScoreSum  int64 `json:"score_sum" gorm:"default:0"`

	// Settlement result, written once by the first applier
	FinalScore    float64        `json:"final_score" gorm:"default:0"`
	RewardXP      int64          `json:"reward_xp" gorm:"default:0"`
	RewardCoins   int64          `json:"reward_coins" gorm:"default:0"`
	RewardGems    int64          `json:"reward_gems" gorm:"default:0"`
	StreakBonusXP int64          `json:"streak_bonus_xp" gorm:"default:0"`
	RarityCounts  map[Rarity]int `json:"rarity_counts,omitempty" gorm:"serializer:json"`
	StreakAfter   int            `json:"streak_after" gorm:"default:0"`
	LevelAfter    int            `json:"level_after" gorm:"default:0"`
	LeveledUp     bool           `json:"leveled_up" gorm:"default:false"`
	RewardApplied bool           `json:"reward_applied" gorm:"not null;default:false;index"`

	EndReason string         `json:"end_reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`

	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Turns []SessionTurn `json:"turns,omitempty" gorm:"foreignKey:SessionID"`
}

// MissionBound reports whether success must be signalled by the caller.
func (s *PracticeSession) MissionBound() bool {
	return s.MissionID != nil && *s.MissionID != ""
}

// SessionTurn is one scored message. Turns are append-only.
type SessionTurn struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID string         `gorm:"index;not null" json:"session_id"`
	Score     int            `gorm:"not null;check:score >= 0 and score <= 100" json:"score"`
	Text      string         `gorm:"type:text" json:"text,omitempty"`
	Traits    map[string]any `gorm:"serializer:json" json:"traits,omitempty"` // opaque scorer output
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// ActiveSessionGuard holds one row per user while a session is in progress.
// The primary key on UserID is the mutex.
type ActiveSessionGuard struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	SessionID string    `gorm:"not null;uniqueIndex" json:"session_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
