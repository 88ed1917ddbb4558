package models

import "time"

// IdempotencyRecord stores the response produced for a (key, user, route).
// A row is written as a short-lived reservation before the handler runs and
// filled in once with the response.
type IdempotencyRecord struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Key          string    `gorm:"column:idem_key;not null;uniqueIndex:ux_idem_key_user_route,priority:1" json:"key"`
	UserID       string    `gorm:"not null;uniqueIndex:ux_idem_key_user_route,priority:2" json:"user_id"`
	Route        string    `gorm:"not null;uniqueIndex:ux_idem_key_user_route,priority:3" json:"route"`
	BodyHash     string    `gorm:"type:varchar(64);not null" json:"body_hash"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
	ResponseBody []byte    `json:"response_body"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expires_at"`
}

// Pending reports a reservation whose handler has not finished.
func (r *IdempotencyRecord) Pending() bool { return r.StatusCode == 0 }

// RateLimitBucket is the in-process token bucket for one (user, route) key.
type RateLimitBucket struct {
	Key        string
	Tokens     float64
	LastRefill time.Time
}
