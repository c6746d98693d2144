package domain

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusInactive SessionStatus = "INACTIVE"
	SessionStatusExpired  SessionStatus = "EXPIRED"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusInactive, SessionStatusExpired:
		return true
	default:
		return false
	}
}

// Session is the durable lifecycle record of one conversation. Status is
// written only by the lifecycle manager.
type Session struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string            `gorm:"size:128;not null;index:idx_chat_sessions_owner_status,priority:1" json:"owner_id"`
	Status       SessionStatus     `gorm:"size:16;not null;index:idx_chat_sessions_owner_status,priority:2;index:idx_chat_sessions_status_expires,priority:1" json:"status"`
	Context      datatypes.JSONMap `json:"context"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	LastActivity time.Time         `gorm:"not null;index" json:"last_activity"`
	ExpiresAt    time.Time         `gorm:"not null;index:idx_chat_sessions_status_expires,priority:2" json:"expires_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// IsLive reports whether the session can still receive activity at now.
func (s *Session) IsLive(now time.Time) bool {
	if s == nil || s.Status == SessionStatusExpired {
		return false
	}
	return now.Before(s.ExpiresAt)
}
