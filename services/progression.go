package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"practice-session-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LevelConfig: XP needed for *next* level (e.g., level 1 → 2 needs BaseXPPerLevel * 1^1.2)
const BaseXPPerLevel = 100

// xpForNextLevel returns XP required to reach level+1 from current level
func xpForNextLevel(currentLevel int) int64 {
	if currentLevel < 1 {
		currentLevel = 1
	}
	// L_n = floor(BaseXPPerLevel * n^1.2)
	return int64(float64(BaseXPPerLevel) * math.Pow(float64(currentLevel), 1.2))
}

// RankThresholds: rank → min level
var RankThresholds = map[int]int{
	1: 1,   // Bronze (start)
	2: 10,  // Silver
	3: 25,  // Gold
	4: 50,  // Platinum
	5: 100, // Diamond
}

func determineRank(level int) int {
	for rank := 5; rank >= 1; rank-- {
		if level >= RankThresholds[rank] {
			return rank
		}
	}
	return 1
}

// applyXP credits xp to prog and levels it up in place. Returns true on level-up.
func applyXP(prog *models.UserProfile, xp int64, now time.Time) bool {
	if prog.Level < 1 {
		prog.Level = 1
	}
	startLevel := prog.Level
	prog.TotalXP += xp

	// Level-up logic: accumulate until enough for next level
	for prog.TotalXP >= int64(BaseXPPerLevel)*int64(prog.Level)+xpForNextLevel(prog.Level) {
		prog.Level++
		t := now
		prog.LastLevelUpAt = &t
	}

	if newRank := determineRank(prog.Level); newRank > prog.Rank {
		t := now
		prog.Rank = newRank
		prog.LastRankUpAt = &t
	}
	return prog.Level > startLevel
}

type ProgressionService struct {
	DB *gorm.DB
}

func NewProgressionService(db *gorm.DB) *ProgressionService {
	return &ProgressionService{DB: db}
}

// EnsureProfile makes sure a UserProfile row exists (idempotent, race-safe).
func (s *ProgressionService) EnsureProfile(ctx context.Context, externalUserID string) (*models.UserProfile, error) {
	return ensureProfile(s.DB.WithContext(ctx), externalUserID)
}

func ensureProfile(db *gorm.DB, externalUserID string) (*models.UserProfile, error) {
	fresh := models.UserProfile{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		Level:          1,
		Rank:           1,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("create profile for %s: %w", externalUserID, err)
	}

	var prog models.UserProfile
	if err := db.Where("external_user_id = ?", externalUserID).First(&prog).Error; err != nil {
		return nil, fmt.Errorf("load profile for %s: %w", externalUserID, err)
	}
	return &prog, nil
}

// LoadProgress returns the completed set and last-completion map.
func (s *ProgressionService) LoadProgress(ctx context.Context, externalUserID string) (models.UserProgress, error) {
	var rows []models.MissionCompletion
	if err := s.DB.WithContext(ctx).Where("user_id = ?", externalUserID).Find(&rows).Error; err != nil {
		return models.UserProgress{}, err
	}
	return models.NewUserProgress(rows), nil
}

// ProgressSnapshot is what GET /user/progress renders.
type ProgressSnapshot struct {
	Profile           *models.UserProfile        `json:"profile"`
	XPToNextLevel     int64                      `json:"xp_to_next_level"`
	CompletedMissions []models.MissionCompletion `json:"completed_missions"`
	ActiveSessionID   *string                    `json:"active_session_id,omitempty"`
}

// GetSnapshot reads profile, completions and the live session. Values may be
// a moment stale relative to a settlement in flight.
func (s *ProgressionService) GetSnapshot(ctx context.Context, externalUserID string) (*ProgressSnapshot, error) {
	prog, err := s.EnsureProfile(ctx, externalUserID)
	if err != nil {
		return nil, err
	}

	var rows []models.MissionCompletion
	if err := s.DB.WithContext(ctx).
		Where("user_id = ?", externalUserID).
		Order("last_completed_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	snap := &ProgressSnapshot{
		Profile:           prog,
		XPToNextLevel:     int64(BaseXPPerLevel)*int64(prog.Level) + xpForNextLevel(prog.Level) - prog.TotalXP,
		CompletedMissions: rows,
	}

	var guard models.ActiveSessionGuard
	err = s.DB.WithContext(ctx).Where("user_id = ?", externalUserID).First(&guard).Error
	switch {
	case err == nil:
		snap.ActiveSessionID = &guard.SessionID
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return snap, nil
}
