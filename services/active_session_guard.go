package services

import (
	"context"
	"errors"

	"practice-session-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActiveSessionGuard enforces one live session per user. The guard table's
// primary key on user_id is the mutex: whoever inserts first holds it.
type ActiveSessionGuard struct{}

// Acquire inserts the guard row inside tx. false means another session
// already holds it; nothing was written.
func (ActiveSessionGuard) Acquire(tx *gorm.DB, userID, sessionID string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&models.ActiveSessionGuard{UserID: userID, SessionID: sessionID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release drops the guard only if it still points at sessionID.
func (ActiveSessionGuard) Release(tx *gorm.DB, userID, sessionID string) error {
	return tx.Where("user_id = ? AND session_id = ?", userID, sessionID).
		Delete(&models.ActiveSessionGuard{}).Error
}

// Holder returns the session id holding the guard, or "" when free.
func (ActiveSessionGuard) Holder(ctx context.Context, db *gorm.DB, userID string) (string, error) {
	var g models.ActiveSessionGuard
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return g.SessionID, nil
}
