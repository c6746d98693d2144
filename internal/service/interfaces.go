package service

import (
	"context"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
)

type SessionServiceInterface interface {
	CreateSession(ctx context.Context, ownerID string, sessionContext map[string]any, explicitExpiry *time.Time) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	LookupSession(ctx context.Context, id string) (*domain.Session, error)
	TouchActivity(ctx context.Context, id string) (*domain.Session, error)
	UpdateContext(ctx context.Context, id string, sessionContext map[string]any) (*domain.Session, error)
	MergeContext(ctx context.Context, id string, patch map[string]any) (*domain.Session, error)
	Deactivate(ctx context.Context, id string) (*domain.Session, error)
	Expire(ctx context.Context, id string) error
	ExpireMany(ctx context.Context, ids []string) (int64, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, ownerID string, status domain.SessionStatus, page repository.PageRequest) (repository.PageResult[domain.Session], error)
	SweepExpired(ctx context.Context) (int64, error)
	PurgeExpiredOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type ConversationServiceInterface interface {
	AppendMessage(ctx context.Context, sessionID string, role domain.MessageRole, content string, metadata map[string]any) (*domain.ConversationMessage, error)
	ListHistory(ctx context.Context, sessionID string, page, pageSize int, order string) (repository.PageResult[domain.ConversationMessage], error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error)
	GetMessage(ctx context.Context, id string) (*domain.ConversationMessage, error)
	UpdateMessage(ctx context.Context, id string, content *string, metadata map[string]any) (*domain.ConversationMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	CountMessages(ctx context.Context, sessionID string) (int64, error)
	ClearConversation(ctx context.Context, sessionID string) (int64, error)
}

// Summarizer condenses recent history, oldest first, into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []domain.ConversationMessage) (string, error)
}

var (
	_ SessionServiceInterface      = (*SessionLifecycleManager)(nil)
	_ ConversationServiceInterface = (*ConversationService)(nil)
)
