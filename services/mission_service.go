package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"practice-session-system/logger"
	"practice-session-system/models"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MissionService struct {
	DB          *gorm.DB
	Log         *logger.Logger
	Progression *ProgressionService
}

func NewMissionService(db *gorm.DB, log *logger.Logger, progression *ProgressionService) *MissionService {
	return &MissionService{DB: db, Log: log.With("service", "MissionService"), Progression: progression}
}

// MissionStatus pairs a mission with the user's availability decision.
type MissionStatus struct {
	Mission      models.Mission      `json:"mission"`
	Availability models.Availability `json:"availability"`
}

func (s *MissionService) Get(ctx context.Context, id string) (*models.Mission, error) {
	var m models.Mission
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMissionNotFound
		}
		return nil, transient("load mission", err)
	}
	return &m, nil
}

// ListWithStatus evaluates all missions for one user against a single
// snapshot of profile and progress.
func (s *MissionService) ListWithStatus(ctx context.Context, userID string, live *models.PracticeSession, now time.Time) ([]MissionStatus, error) {
	var missions []models.Mission
	if err := s.DB.WithContext(ctx).Order("sort_order ASC, id ASC").Find(&missions).Error; err != nil {
		return nil, transient("list missions", err)
	}

	profile, err := s.Progression.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, transient("load profile", err)
	}
	progress, err := s.Progression.LoadProgress(ctx, userID)
	if err != nil {
		return nil, transient("load progress", err)
	}

	out := make([]MissionStatus, 0, len(missions))
	for i := range missions {
		out = append(out, MissionStatus{
			Mission:      missions[i],
			Availability: EvaluateAvailability(&missions[i], profile, progress, live, now),
		})
	}
	return out, nil
}

// missionCatalog is the on-disk shape of the seed file.
type missionCatalog struct {
	Missions []models.Mission `yaml:"missions"`
}

// ParseCatalog validates a YAML mission catalog. Codes are derived from the
// title when missing and always normalized to slugs.
func ParseCatalog(raw []byte) ([]models.Mission, error) {
	var cat missionCatalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse mission catalog: %w", err)
	}

	seen := make(map[string]bool, len(cat.Missions))
	for i := range cat.Missions {
		m := &cat.Missions[i]
		if m.ID == "" || m.Title == "" {
			return nil, fmt.Errorf("mission #%d: id and title are required", i+1)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("mission %s: duplicate id", m.ID)
		}
		seen[m.ID] = true

		if m.Code == "" {
			m.Code = m.Title
		}
		m.Code = slug.Make(m.Code)
		if m.MinLevel < 0 || m.CooldownSeconds < 0 {
			return nil, fmt.Errorf("mission %s: min_level and cooldown_seconds must be >= 0", m.ID)
		}
		if m.CooldownSeconds > 0 {
			m.Repeatable = true
		}
		if m.SortOrder == 0 {
			m.SortOrder = i + 1
		}
	}
	for _, m := range cat.Missions {
		for _, p := range m.PrerequisiteIDs {
			if !seen[p] {
				return nil, fmt.Errorf("mission %s: unknown prerequisite %s", m.ID, p)
			}
		}
	}
	return cat.Missions, nil
}

// SeedFromFile upserts the catalog at path by mission id.
func (s *MissionService) SeedFromFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read mission catalog %s: %w", path, err)
	}
	missions, err := ParseCatalog(raw)
	if err != nil {
		return 0, err
	}
	return s.Upsert(ctx, missions)
}

func (s *MissionService) Upsert(ctx context.Context, missions []models.Mission) (int, error) {
	if len(missions) == 0 {
		return 0, nil
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"code", "title", "description", "sort_order", "min_level", "prerequisite_ids",
			"premium", "cooldown_seconds", "repeatable", "rewards", "updated_at",
		}),
	}).Create(&missions).Error
	if err != nil {
		return 0, fmt.Errorf("upsert missions: %w", err)
	}
	s.Log.Info("mission catalog seeded", "count", len(missions))
	return len(missions), nil
}
