package domain

import (
	"time"

	"gorm.io/datatypes"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleSystem    MessageRole = "SYSTEM"
)

func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	default:
		return false
	}
}

// ConversationMessage is one immutable entry of a session's history. Seq is
// the store insertion order and breaks ties between equal timestamps.
type ConversationMessage struct {
	Seq       uint64            `gorm:"primaryKey;autoIncrement" json:"-"`
	ID        string            `gorm:"size:36;uniqueIndex;not null" json:"id"`
	SessionID string            `gorm:"size:36;not null;index:idx_conversation_messages_session_ts,priority:1" json:"session_id"`
	Role      MessageRole       `gorm:"size:16;not null" json:"role"`
	Content   string            `gorm:"type:text;not null" json:"content"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	CreatedAt time.Time         `gorm:"not null;index:idx_conversation_messages_session_ts,priority:2" json:"timestamp"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }
