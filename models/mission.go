// models/mission.go
package models

import (
	"time"
)

// MissionRewardTable overrides the default session caps for one mission.
// Zero fields fall back to the defaults.
type MissionRewardTable struct {
	XPCap   int64 `json:"xp_cap,omitempty" yaml:"xp_cap"`
	CoinCap int64 `json:"coin_cap,omitempty" yaml:"coin_cap"`
	GemCap  int64 `json:"gem_cap,omitempty" yaml:"gem_cap"`
}

// Mission is a mission definition. The engine only reads it; content is
// managed by the admin surface or seeded from the catalog file.
type Mission struct {
	ID          string `gorm:"primaryKey;type:varchar(64)" json:"id" yaml:"id"`
	Code        string `gorm:"uniqueIndex;not null" json:"code" yaml:"code"`
	Title       string `gorm:"not null" json:"title" yaml:"title"`
	Description string `gorm:"type:text" json:"description,omitempty" yaml:"description"`
	SortOrder   int    `gorm:"column:sort_order;default:0" json:"sort_order" yaml:"sort_order"`

	// Unlock requirements
	MinLevel        int      `gorm:"default:0" json:"min_level" yaml:"min_level"`
	PrerequisiteIDs []string `gorm:"serializer:json" json:"prerequisite_ids,omitempty" yaml:"prerequisites"`
	Premium         bool     `gorm:"default:false" json:"premium" yaml:"premium"`
	CooldownSeconds int64    `gorm:"default:0" json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Repeatable      bool     `gorm:"default:false" json:"repeatable" yaml:"repeatable"`

	Rewards MissionRewardTable `gorm:"serializer:json" json:"rewards" yaml:"rewards"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime" yaml:"-"`
}

func (m *Mission) Cooldown() time.Duration {
	return time.Duration(m.CooldownSeconds) * time.Second
}

// AvailabilityState is the outcome of the availability check.
type AvailabilityState string

const (
	AvailabilityLocked     AvailabilityState = "locked"
	AvailabilityAvailable  AvailabilityState = "available"
	AvailabilityInProgress AvailabilityState = "in_progress"
	AvailabilityCompleted  AvailabilityState = "completed"
)

// LockReason explains a locked mission.
type LockReason string

const (
	LockReasonPremium   LockReason = "premium"
	LockReasonLevel     LockReason = "level"
	LockReasonPrereq    LockReason = "prereq"
	LockReasonCooldown  LockReason = "cooldown"
	// Only used by StartSession for a finished non-repeatable mission
	LockReasonCompleted LockReason = "completed"
)

// Availability is the decision for one mission.
type Availability struct {
	State    AvailabilityState `json:"state"`
	Reason   LockReason        `json:"reason,omitempty"`
	UnlockAt *time.Time        `json:"unlock_at,omitempty"`
	// MissingPrereqs is set for prereq locks
	MissingPrereqs []string `json:"missing_prereqs,omitempty"`
}
