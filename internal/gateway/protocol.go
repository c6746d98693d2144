// Package gateway is the real-time transport: WebSocket connections, session
// rooms and the event protocol spoken over them.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
)

// Client to server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypeGetRoomInfo  = "get_room_info"
	TypePingActivity = "ping_activity"
)

// Server to client event types.
const (
	TypeConnected        = "connected"
	TypeRoomJoined       = "room_joined"
	TypeRoomLeft         = "room_left"
	TypeMessageReceived  = "message_received"
	TypeTypingIndicator  = "typing_indicator"
	TypeRoomInfo         = "room_info"
	TypeActivityUpdated  = "activity_updated"
	TypeError            = "error"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUserDisconnected = "user_disconnected"
)

// Error codes carried by error events.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeAccessDenied    = "access_denied"
	CodeUnauthenticated = "unauthenticated"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// User-visible error reasons.
const (
	ReasonSessionGone     = "Session not found or expired"
	ReasonAccessDenied    = "Access denied to session"
	ReasonNotInRoom       = "Not connected to a session"
	ReasonUnauthenticated = "Authentication required"
	ReasonUnavailable     = "Service temporarily unavailable"
	ReasonInternal        = "Internal error"
)

// CloseUnauthenticated is the close code sent when the handshake fails.
const CloseUnauthenticated = 4401

// Envelope is the frame shape for both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type JoinRoomPayload struct {
	SessionID string `json:"session_id"`
}

type SendMessagePayload struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type ConnectedEvent struct {
	OwnerID      string `json:"owner_id"`
	ConnectionID string `json:"connection_id"`
}

type MessageEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type RoomJoinedEvent struct {
	SessionID      string         `json:"session_id"`
	RecentMessages []MessageEvent `json:"recent_messages"`
}

type RoomLeftEvent struct {
	SessionID string `json:"session_id"`
}

type TypingIndicatorEvent struct {
	OwnerID  string `json:"owner_id"`
	IsTyping bool   `json:"is_typing"`
}

type SessionSnapshot struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

type RoomInfoEvent struct {
	Connected    bool             `json:"connected"`
	SessionID    string           `json:"session_id,omitempty"`
	Session      *SessionSnapshot `json:"session,omitempty"`
	MessageCount *int64           `json:"message_count,omitempty"`
}

type ActivityUpdatedEvent struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PresenceEvent struct {
	OwnerID string `json:"owner_id"`
}

type ErrorEvent struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func encodeEvent(eventType string, data any, now time.Time) ([]byte, error) {
	env := Envelope{Type: eventType, Ts: now.UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func messageEvent(m domain.ConversationMessage) MessageEvent {
	return MessageEvent{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      string(m.Role),
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.CreatedAt,
	}
}

func sessionSnapshot(s *domain.Session) *SessionSnapshot {
	if s == nil {
		return nil
	}
	return &SessionSnapshot{
		ID:           s.ID,
		Status:       string(s.Status),
		Context:      s.Context,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
	}
}
