package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"practice-session-system/logger"
	"practice-session-system/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultIdempotencyTTL is how long a stored response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// DefaultPendingTTL bounds how long a crashed request can hold its key.
const DefaultPendingTTL = time.Minute

// IdempotencyStore persists records keyed by (key, user, route).
type IdempotencyStore interface {
	// Find returns nil, nil when there is no record.
	Find(ctx context.Context, key, userID, route string) (*models.IdempotencyRecord, error)
	// Insert never overwrites; false means a record already exists.
	Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	// Complete stores the response on a reservation.
	Complete(ctx context.Context, id string, status int, body []byte, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StoredResponse is what a wrapped handler produced.
type StoredResponse struct {
	StatusCode int
	Body       []byte
}

type IdempotencyResult struct {
	Reused   bool
	Response StoredResponse
}

type Idempotency struct {
	Store      IdempotencyStore
	Clock      clockwork.Clock
	TTL        time.Duration
	PendingTTL time.Duration
	Log        *logger.Logger
}

func NewIdempotency(store IdempotencyStore, log *logger.Logger, clock clockwork.Clock, ttl time.Duration) *Idempotency {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	pending := DefaultPendingTTL
	if ttl < pending {
		pending = ttl
	}
	return &Idempotency{
		Store:      store,
		Clock:      clock,
		TTL:        ttl,
		PendingTTL: pending,
		Log:        log.With("service", "Idempotency"),
	}
}

// HashBody is the content hash records are compared by.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Handle runs handler at most once per (key, user, route) and body.
// The key is reserved before the handler runs, so a duplicate arriving
// mid-flight gets ErrIdempotencyInFlight. A replay with a different body is
// an IdempotencyConflictError. Handler errors and 5xx responses release the
// key so the request can be retried.
func (i *Idempotency) Handle(
	ctx context.Context,
	key, userID, route string,
	body []byte,
	handler func() (StoredResponse, error),
) (*IdempotencyResult, error) {
	hash := HashBody(body)
	reservation := &models.IdempotencyRecord{
		ID:        uuid.NewString(),
		Key:       key,
		UserID:    userID,
		Route:     route,
		BodyHash:  hash,
		ExpiresAt: i.Clock.Now().Add(i.PendingTTL),
	}

	existing, err := i.reserve(ctx, reservation)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return i.replay(existing, key, hash)
	}

	resp, err := handler()
	if err != nil || resp.StatusCode >= 500 {
		if derr := i.Store.Delete(ctx, reservation.ID); derr != nil {
			i.Log.Warn("failed to release idempotency key", "key", key, "route", route, "error", derr)
		}
		if err != nil {
			return nil, err
		}
		return &IdempotencyResult{Response: resp}, nil
	}

	if err := i.Store.Complete(ctx, reservation.ID, resp.StatusCode, resp.Body, i.Clock.Now().Add(i.TTL)); err != nil {
		// The handler's effects are already committed; losing the record only
		// costs replay fidelity until the reservation lapses.
		i.Log.Warn("failed to persist idempotency record", "key", key, "route", route, "error", err)
	}
	return &IdempotencyResult{Response: resp}, nil
}

// reserve inserts the reservation, or returns the live record that holds the
// key. Expired holders are dropped and the insert retried once.
func (i *Idempotency) reserve(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	for attempt := 0; attempt < 2; attempt++ {
		created, err := i.Store.Insert(ctx, rec)
		if err != nil {
			return nil, transient("reserve idempotency key", err)
		}
		if created {
			return nil, nil
		}

		held, err := i.Store.Find(ctx, rec.Key, rec.UserID, rec.Route)
		if err != nil {
			return nil, transient("find idempotency record", err)
		}
		if held == nil {
			continue
		}
		if i.Clock.Now().Before(held.ExpiresAt) {
			return held, nil
		}
		if err := i.Store.Delete(ctx, held.ID); err != nil {
			return nil, transient("drop expired idempotency record", err)
		}
	}
	return nil, transient("reserve idempotency key", errors.New("key contended"))
}

func (i *Idempotency) replay(rec *models.IdempotencyRecord, key, hash string) (*IdempotencyResult, error) {
	if rec.BodyHash != hash {
		return nil, &IdempotencyConflictError{Key: key, StoredHash: rec.BodyHash, GotHash: hash}
	}
	if rec.Pending() {
		return nil, ErrIdempotencyInFlight
	}
	return &IdempotencyResult{
		Reused:   true,
		Response: StoredResponse{StatusCode: rec.StatusCode, Body: rec.ResponseBody},
	}, nil
}

// Sweep removes expired records. Correctness never depends on it.
func (i *Idempotency) Sweep(ctx context.Context) (int64, error) {
	return i.Store.DeleteExpired(ctx, i.Clock.Now())
}

// GormIdempotencyStore keeps records in the idempotency_records table.
type GormIdempotencyStore struct {
	DB *gorm.DB
}

func NewGormIdempotencyStore(db *gorm.DB) *GormIdempotencyStore {
	return &GormIdempotencyStore{DB: db}
}

func (s *GormIdempotencyStore) Find(ctx context.Context, key, userID, route string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.DB.WithContext(ctx).
		Where("idem_key = ? AND user_id = ? AND route = ?", key, userID, route).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormIdempotencyStore) Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormIdempotencyStore) Complete(ctx context.Context, id string, status int, body []byte, expiresAt time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status_code":   status,
			"response_body": body,
			"expires_at":    expiresAt,
		}).Error
}

func (s *GormIdempotencyStore) Delete(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Where("id = ?", id).Delete(&models.IdempotencyRecord{}).Error
}

func (s *GormIdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// MemoryIdempotencyStore is the single-process store used in tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]models.IdempotencyRecord)}
}

func memKey(key, userID, route string) string {
	return key + "\x00" + userID + "\x00" + route
}

func (s *MemoryIdempotencyStore) Find(_ context.Context, key, userID, route string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memKey(key, userID, route)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryIdempotencyStore) Insert(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(rec.Key, rec.UserID, rec.Route)
	if _, ok := s.records[k]; ok {
		return false, nil
	}
	s.records[k] = *rec
	return true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, id string, status int, body []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.ID == id {
			r.StatusCode = status
			r.ResponseBody = body
			r.ExpiresAt = expiresAt
			s.records[k] = r
		}
	}
	return nil
}

func (s *MemoryIdempotencyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.ID == id {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *MemoryIdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.records {
		if !now.Before(r.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
