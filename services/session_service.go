package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"practice-session-system/logger"
	"practice-session-system/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FreeModeSuccessScore is the final score a session without a mission needs
// to count as a success. Mission-bound sessions use the caller's outcome.
const FreeModeSuccessScore = 60.0

var errGuardTaken = errors.New("active session guard already held")

type SessionService struct {
	DB       *gorm.DB
	Log      *logger.Logger
	Clock    clockwork.Clock
	Zone     *time.Location
	Missions *MissionService
	Guard    ActiveSessionGuard

	settlementTries uint
}

type SessionOptions struct {
	Clock           clockwork.Clock
	Zone            *time.Location
	SettlementTries uint
}

func NewSessionService(db *gorm.DB, log *logger.Logger, missions *MissionService, opts SessionOptions) *SessionService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Zone == nil {
		opts.Zone = time.UTC
	}
	if opts.SettlementTries == 0 {
		opts.SettlementTries = 3
	}
	return &SessionService{
		DB:              db,
		Log:             log.With("service", "SessionService"),
		Clock:           opts.Clock,
		Zone:            opts.Zone,
		Missions:        missions,
		settlementTries: opts.SettlementTries,
	}
}

type StartInput struct {
	Mode      models.SessionMode `json:"mode"`
	MissionID *string            `json:"mission_id,omitempty"`
}

type StartResult struct {
	Session *models.PracticeSession `json:"session"`
	// Resumed is true when an already-running session was handed back
	Resumed bool `json:"resumed"`
}

type TurnInput struct {
	Score  int            `json:"score"`
	Text   string         `json:"text,omitempty"`
	Traits map[string]any `json:"traits,omitempty"`
}

type CompleteInput struct {
	// Outcome is only read for mission-bound sessions: success or fail
	Outcome   models.SessionStatus `json:"outcome,omitempty"`
	EndReason string               `json:"end_reason,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
}

type CompleteResult struct {
	SessionID     string                `json:"session_id"`
	Status        models.SessionStatus  `json:"status"`
	IsSuccess     bool                  `json:"is_success"`
	FinalScore    float64               `json:"final_score"`
	Reward        models.Reward         `json:"reward"`
	StreakBonusXP int64                 `json:"streak_bonus_xp"`
	Streak        int                   `json:"streak"`
	Level         int                   `json:"level"`
	LeveledUp     bool                  `json:"leveled_up"`
	RarityCounts  map[models.Rarity]int `json:"rarity_counts"`
	Idempotent    bool                  `json:"idempotent"`
}

// StartSession opens a session, or hands back the one already running.
func (s *SessionService) StartSession(ctx context.Context, userID string, in StartInput) (*StartResult, error) {
	if !in.Mode.Valid() {
		return nil, ErrInvalidMode
	}

	if live, err := s.liveSession(ctx, userID); err != nil {
		return nil, err
	} else if live != nil {
		return &StartResult{Session: live, Resumed: true}, nil
	}

	if in.MissionID != nil && *in.MissionID == "" {
		in.MissionID = nil
	}
	if in.Mode == models.SessionModeStandard && in.MissionID == nil {
		return nil, ErrMissionRequired
	}
	if in.MissionID != nil {
		// Practice modes may replay a cleared mission but pass every other lock
		replay := in.Mode != models.SessionModeStandard
		if err := s.checkAvailable(ctx, userID, *in.MissionID, replay); err != nil {
			return nil, err
		}
	}

	sess := &models.PracticeSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		MissionID: in.MissionID,
		Mode:      in.Mode,
		Status:    models.SessionStatusInProgress,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.Guard.Acquire(tx, userID, sess.ID)
		if err != nil {
			return err
		}
		if !won {
			return errGuardTaken
		}
		return tx.Omit("Turns").Create(sess).Error
	})
	if errors.Is(err, errGuardTaken) {
		// Lost the race to a concurrent start: hand back the winner
		live, lerr := s.liveSession(ctx, userID)
		if lerr != nil {
			return nil, lerr
		}
		if live == nil {
			return nil, transient("start session", errGuardTaken)
		}
		return &StartResult{Session: live, Resumed: true}, nil
	}
	if err != nil {
		return nil, transient("start session", err)
	}

	s.Log.Info("session started", "session_id", sess.ID, "user_id", userID, "mode", sess.Mode, "mission_id", sess.MissionID)
	return &StartResult{Session: sess}, nil
}

func (s *SessionService) checkAvailable(ctx context.Context, userID, missionID string, allowCompleted bool) error {
	mission, err := s.Missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	profile, err := ensureProfile(s.DB.WithContext(ctx), userID)
	if err != nil {
		return transient("load profile", err)
	}
	progress, err := s.Missions.Progression.LoadProgress(ctx, userID)
	if err != nil {
		return transient("load progress", err)
	}

	a := EvaluateAvailability(mission, profile, progress, nil, s.Clock.Now())
	switch a.State {
	case models.AvailabilityAvailable:
		return nil
	case models.AvailabilityCompleted:
		if allowCompleted {
			return nil
		}
		return &MissionLockedError{MissionID: missionID, Reason: models.LockReasonCompleted}
	default:
		return &MissionLockedError{MissionID: missionID, Reason: a.Reason, UnlockAt: a.UnlockAt, Missing: a.MissingPrereqs}
	}
}

// liveSession returns the user's in-progress session, or nil. A guard left
// pointing at a finished session is cleared.
func (s *SessionService) liveSession(ctx context.Context, userID string) (*models.PracticeSession, error) {
	holder, err := s.Guard.Holder(ctx, s.DB, userID)
	if err != nil {
		return nil, transient("read guard", err)
	}
	if holder == "" {
		return nil, nil
	}

	var sess models.PracticeSession
	err = s.DB.WithContext(ctx).Where("id = ?", holder).First(&sess).Error
	if err == nil && sess.Status == models.SessionStatusInProgress {
		return &sess, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, transient("load live session", err)
	}

	s.Log.Warn("clearing stale session guard", "user_id", userID, "session_id", holder)
	if err := s.Guard.Release(s.DB.WithContext(ctx), userID, holder); err != nil {
		return nil, transient("clear stale guard", err)
	}
	return nil, nil
}

// SubmitTurn appends one scored message. No reward side effects.
func (s *SessionService) SubmitTurn(ctx context.Context, userID, sessionID string, in TurnInput) (*models.PracticeSession, error) {
	if in.Score < 0 || in.Score > 100 {
		return nil, ErrInvalidTurn
	}

	var sess *models.PracticeSession
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := loadOwned(tx, userID, sessionID)
		if err != nil {
			return err
		}
		if err := models.CheckTransition(cur.Status, models.SessionStatusInProgress); err != nil {
			return err
		}

		turn := models.SessionTurn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Score:     in.Score,
			Text:      in.Text,
			Traits:    in.Traits,
		}
		if err := tx.Create(&turn).Error; err != nil {
			return err
		}

		res := tx.Model(&models.PracticeSession{}).
			Where("id = ? AND status = ?", sessionID, models.SessionStatusInProgress).
			Updates(map[string]any{
				"turn_count": gorm.Expr("turn_count + 1"),
				"score_sum":  gorm.Expr("score_sum + ?", in.Score),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Closed between the read and the write
			return &IllegalStatusTransitionError{From: cur.Status, To: models.SessionStatusInProgress}
		}

		sess, err = loadOwned(tx, userID, sessionID)
		return err
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, transient("submit turn", err)
	}
	return sess, nil
}

// CompleteSession settles a session exactly once. Concurrent or repeated
// calls all get the same reward back; only the first is not idempotent.
func (s *SessionService) CompleteSession(ctx context.Context, userID, sessionID string, in CompleteInput) (*CompleteResult, error) {
	if in.Outcome != "" && in.Outcome != models.SessionStatusSuccess && in.Outcome != models.SessionStatusFail {
		return nil, ErrInvalidOutcome
	}

	sess, err := loadOwned(s.DB.WithContext(ctx), userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.RewardApplied {
		return resultFromSession(sess, true), nil
	}

	var mission *models.Mission
	if sess.MissionBound() {
		mission, err = s.Missions.Get(ctx, *sess.MissionID)
		if err != nil && !errors.Is(err, ErrMissionNotFound) {
			return nil, err
		}
	}

	target := models.SessionStatusFail
	var summary models.RewardSummary
	if sess.Status == models.SessionStatusInProgress {
		scores, err := s.turnScores(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(scores) == 0 {
			return nil, ErrEmptySession
		}
		summary = CalculateRewards(scores, CapsFor(mission))
		if sess.MissionBound() {
			if in.Outcome == models.SessionStatusSuccess {
				target = models.SessionStatusSuccess
			}
		} else if summary.FinalScore >= FreeModeSuccessScore {
			target = models.SessionStatusSuccess
		}
	}
	if err := models.CheckTransition(sess.Status, target); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	res, err := backoff.Retry(ctx, func() (*CompleteResult, error) {
		r, err := s.settle(ctx, sess, mission, summary, target, in)
		if err != nil && isDomainError(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			s.Log.Warn("settlement attempt failed", "session_id", sessionID, "error", err)
		}
		return r, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.settlementTries))
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		s.Log.Error("settlement failed, nothing credited", "session_id", sessionID, "error", err)
		return nil, transient("complete session", err)
	}
	return res, nil
}

// settle runs the settlement transaction once. The conditional update on
// reward_applied decides who applies; a loser writes nothing and replays.
func (s *SessionService) settle(
	ctx context.Context,
	sess *models.PracticeSession,
	mission *models.Mission,
	summary models.RewardSummary,
	target models.SessionStatus,
	in CompleteInput,
) (*CompleteResult, error) {
	now := s.Clock.Now()
	replay := false

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ensureProfile(tx, sess.UserID); err != nil {
			return err
		}
		var prof models.UserProfile
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Where("external_user_id = ?", sess.UserID).First(&prof).Error; err != nil {
			return err
		}

		streak := ApplyStreak(prof.CurrentStreak, prof.LastActiveDay, now, s.Zone, summary.XP)
		totalXP := summary.XP + streak.BonusXP
		leveledUp := applyXP(&prof, totalXP, now)

		upd := models.PracticeSession{
			Status:        target,
			RewardApplied: true,
			EndedAt:       &now,
			FinalScore:    summary.FinalScore,
			RewardXP:      totalXP,
			RewardCoins:   summary.Coins,
			RewardGems:    summary.Gems,
			StreakBonusXP: streak.BonusXP,
			RarityCounts:  summary.RarityCounts,
			StreakAfter:   streak.Streak,
			LevelAfter:    prof.Level,
			LeveledUp:     leveledUp,
			EndReason:     in.EndReason,
			Metadata:      in.Metadata,
		}
		res := tx.Model(&models.PracticeSession{}).
			Where("id = ? AND reward_applied = ? AND status = ?", sess.ID, false, models.SessionStatusInProgress).
			Select("status", "reward_applied", "ended_at", "final_score", "reward_xp", "reward_coins",
				"reward_gems", "streak_bonus_xp", "rarity_counts", "streak_after", "level_after",
				"leveled_up", "end_reason", "metadata").
			Updates(&upd)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			replay = true
			return nil
		}

		// First applier: credit the wallet in the same transaction
		prof.Coins += summary.Coins
		prof.Diamonds += summary.Gems
		prof.CurrentStreak = streak.Streak
		prof.LastActiveDay = streak.Day
		prof.TotalSessions++
		if err := tx.Save(&prof).Error; err != nil {
			return err
		}

		// Only standard sessions clear a mission
		if target == models.SessionStatusSuccess && sess.MissionBound() && sess.Mode == models.SessionModeStandard {
			if err := recordCompletion(tx, sess.UserID, *sess.MissionID, sess.ID, now); err != nil {
				return err
			}
		}

		return s.Guard.Release(tx, sess.UserID, sess.ID)
	})
	if err != nil {
		return nil, err
	}

	stored, err := loadOwned(s.DB.WithContext(ctx), sess.UserID, sess.ID)
	if err != nil {
		return nil, err
	}
	if replay {
		if !stored.RewardApplied {
			return nil, &IllegalStatusTransitionError{From: stored.Status, To: target}
		}
		s.Log.Info("settlement replayed", "session_id", sess.ID)
		return resultFromSession(stored, true), nil
	}

	s.Log.Info("session settled",
		"session_id", sess.ID, "user_id", sess.UserID, "status", target,
		"xp", stored.RewardXP, "coins", stored.RewardCoins, "gems", stored.RewardGems,
		"streak", stored.StreakAfter, "mission_capped", mission != nil)
	return resultFromSession(stored, false), nil
}

func recordCompletion(tx *gorm.DB, userID, missionID, sessionID string, at time.Time) error {
	row := models.MissionCompletion{
		UserID:          userID,
		MissionID:       missionID,
		Completions:     1,
		LastCompletedAt: at,
		LastSessionID:   sessionID,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "mission_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"completions":       gorm.Expr("mission_completions.completions + 1"),
			"last_completed_at": at,
			"last_session_id":   sessionID,
		}),
	}).Create(&row).Error
}

// AbortSession ends a live session without settling it.
func (s *SessionService) AbortSession(ctx context.Context, userID, sessionID, reason string) (*models.PracticeSession, error) {
	sess, err := loadOwned(s.DB.WithContext(ctx), userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrConflictAlreadyTerminal
	}

	now := s.Clock.Now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PracticeSession{}).
			Where("id = ? AND status = ? AND reward_applied = ?", sessionID, models.SessionStatusInProgress, false).
			Updates(map[string]any{
				"status":     models.SessionStatusAborted,
				"ended_at":   now,
				"end_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflictAlreadyTerminal
		}
		return s.Guard.Release(tx, userID, sessionID)
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, transient("abort session", err)
	}

	s.Log.Info("session aborted", "session_id", sessionID, "user_id", userID, "reason", reason)
	return loadOwned(s.DB.WithContext(ctx), userID, sessionID)
}

// GetSession returns a session with its turns.
func (s *SessionService) GetSession(ctx context.Context, userID, sessionID string) (*models.PracticeSession, error) {
	sess, err := loadOwned(s.DB.WithContext(ctx), userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&sess.Turns).Error; err != nil {
		return nil, transient("load turns", err)
	}
	return sess, nil
}

// ListMissionsWithStatus evaluates every mission for the user.
func (s *SessionService) ListMissionsWithStatus(ctx context.Context, userID string) ([]MissionStatus, error) {
	live, err := s.liveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Missions.ListWithStatus(ctx, userID, live, s.Clock.Now())
}

func (s *SessionService) turnScores(ctx context.Context, sessionID string) ([]int, error) {
	var scores []int
	if err := s.DB.WithContext(ctx).
		Model(&models.SessionTurn{}).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Pluck("score", &scores).Error; err != nil {
		return nil, transient("load turn scores", err)
	}
	return scores, nil
}

func loadOwned(db *gorm.DB, userID, sessionID string) (*models.PracticeSession, error) {
	var sess models.PracticeSession
	if err := db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.UserID != userID {
		return nil, ErrSessionForbidden
	}
	return &sess, nil
}

func resultFromSession(sess *models.PracticeSession, idempotent bool) *CompleteResult {
	counts := sess.RarityCounts
	if counts == nil {
		counts = map[models.Rarity]int{}
	}
	return &CompleteResult{
		SessionID:  sess.ID,
		Status:     sess.Status,
		IsSuccess:  sess.Status == models.SessionStatusSuccess,
		FinalScore: sess.FinalScore,
		Reward: models.Reward{
			XP:    sess.RewardXP,
			Coins: sess.RewardCoins,
			Gems:  sess.RewardGems,
		},
		StreakBonusXP: sess.StreakBonusXP,
		Streak:        sess.StreakAfter,
		Level:         sess.LevelAfter,
		LeveledUp:     sess.LeveledUp,
		RarityCounts:  counts,
		Idempotent:    idempotent,
	}
}
