package services

import (
	"errors"
	"fmt"
	"time"

	"practice-session-system/models"
)

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionForbidden        = errors.New("session belongs to another user")
	ErrConflictAlreadyTerminal = errors.New("session already finished")
	ErrMissionNotFound         = errors.New("mission not found")
	ErrMissionRequired         = errors.New("standard sessions require a mission_id")
	ErrInvalidMode             = errors.New("invalid session mode")
	ErrInvalidTurn             = errors.New("turn score must be between 0 and 100")
	ErrEmptySession            = errors.New("session has no scored turns")
	ErrInvalidOutcome          = errors.New("outcome must be success or fail")
	ErrTransient               = errors.New("storage temporarily unavailable")
	ErrIdempotencyInFlight     = errors.New("a request with this idempotency key is still running")
	ErrInvalidLimit            = errors.New("rate limit capacity and refill must be positive")
)

// IllegalStatusTransitionError lives with the state machine in models.
type IllegalStatusTransitionError = models.IllegalStatusTransitionError

// MissionLockedError is returned when StartSession hits a locked mission.
type MissionLockedError struct {
	MissionID string
	Reason    models.LockReason
	UnlockAt  *time.Time
	Missing   []string
}

func (e *MissionLockedError) Error() string {
	if e.UnlockAt != nil {
		return fmt.Sprintf("mission %s locked (%s) until %s", e.MissionID, e.Reason, e.UnlockAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("mission %s locked (%s)", e.MissionID, e.Reason)
}

// RateLimitedError carries a retry hint.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Key, e.RetryAfter)
}

// IdempotencyConflictError means a key was reused with a different body.
type IdempotencyConflictError struct {
	Key        string
	StoredHash string
	GotHash    string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different body (stored %s, got %s)", e.Key, e.StoredHash, e.GotHash)
}

// transient wraps a storage failure so callers can tell it from domain errors.
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// isDomainError reports errors that retrying cannot fix.
func isDomainError(err error) bool {
	var locked *MissionLockedError
	var illegal *IllegalStatusTransitionError
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionForbidden) ||
		errors.Is(err, ErrConflictAlreadyTerminal) ||
		errors.Is(err, ErrEmptySession) ||
		errors.Is(err, ErrMissionNotFound) ||
		errors.As(err, &locked) ||
		errors.As(err, &illegal)
}
