package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
)

const (
	SummaryContextKey = "conversation_summary"

	maxRecentMessages = 200
)

type ConversationOptions struct {
	SummaryThreshold int
	SummaryWindow    int
	SummaryTimeout   time.Duration
	StoreTimeout     time.Duration
	Now              func() time.Time
}

func (o ConversationOptions) withDefaults() ConversationOptions {
	if o.SummaryThreshold < 0 {
		o.SummaryThreshold = 0
	}
	if o.SummaryWindow <= 0 {
		o.SummaryWindow = 10
	}
	if o.SummaryTimeout <= 0 {
		o.SummaryTimeout = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// ConversationService persists and replays per-session history. Activity
// bumps and summary refreshes triggered by an append run detached from the
// caller and never fail the append.
type ConversationService struct {
	sessions   SessionServiceInterface
	messages   repository.MessageRepository
	summarizer Summarizer
	opts       ConversationOptions
	logger     *slog.Logger
	detached   sync.WaitGroup
}

func NewConversationService(
	sessions SessionServiceInterface,
	messages repository.MessageRepository,
	summarizer Summarizer,
	opts ConversationOptions,
	logger *slog.Logger,
) *ConversationService {
	if summarizer == nil {
		summarizer = NewExtractiveSummarizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{
		sessions:   sessions,
		messages:   messages,
		summarizer: summarizer,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "conversation"),
	}
}

func (c *ConversationService) AppendMessage(ctx context.Context, sessionID string, role domain.MessageRole, content string, metadata map[string]any) (*domain.ConversationMessage, error) {
	ctx, span := observability.StartSpan(ctx, "conversation.append", attribute.String("session.id", sessionID))
	defer span.End()

	if strings.TrimSpace(sessionID) == "" {
		return nil, invalidArgument("session id is required")
	}
	if !role.Valid() {
		return nil, invalidArgument("unknown role %q", role)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidArgument("content is required")
	}
	if _, err := c.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	now := c.opts.Now().UTC()
	msg := &domain.ConversationMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  copyContext(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	err := c.messages.Create(storeCtx, msg)
	cancel()
	if err != nil {
		failSpan(span, err)
		return nil, unavailable("append message", err)
	}

	c.detach(ctx, "touch_activity", c.opts.StoreTimeout, func(ctx context.Context) error {
		_, err := c.sessions.TouchActivity(ctx, sessionID)
		return err
	})
	if c.opts.SummaryThreshold > 0 {
		c.detach(ctx, "refresh_summary", c.opts.SummaryTimeout, func(ctx context.Context) error {
			return c.maybeRefreshSummary(ctx, sessionID)
		})
	}
	return msg, nil
}

func (c *ConversationService) ListHistory(ctx context.Context, sessionID string, page, pageSize int, order string) (repository.PageResult[domain.ConversationMessage], error) {
	ctx, span := observability.StartSpan(ctx, "conversation.list_history", attribute.String("session.id", sessionID))
	defer span.End()

	var descending bool
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc":
	case "desc":
		descending = true
	default:
		return repository.PageResult[domain.ConversationMessage]{}, invalidArgument("order must be asc or desc")
	}
	if _, err := c.sessions.GetSession(ctx, sessionID); err != nil {
		return repository.PageResult[domain.ConversationMessage]{}, err
	}
	req := repository.NormalizePageRequest(repository.PageRequest{Page: page, PageSize: pageSize})

	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	result, err := c.messages.ListPaged(storeCtx, sessionID, req, descending)
	if err != nil {
		failSpan(span, err)
		return repository.PageResult[domain.ConversationMessage]{}, unavailable("list history", err)
	}
	return result, nil
}

// RecentMessages returns up to limit messages, newest first.
func (c *ConversationService) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxRecentMessages {
		limit = maxRecentMessages
	}
	if _, err := c.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	msgs, err := c.messages.ListRecent(storeCtx, sessionID, limit)
	if err != nil {
		return nil, unavailable("recent messages", err)
	}
	return msgs, nil
}

func (c *ConversationService) GetMessage(ctx context.Context, id string) (*domain.ConversationMessage, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	msg, err := c.messages.FindByID(storeCtx, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, errMessageGone
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return msg, nil
}

func (c *ConversationService) UpdateMessage(ctx context.Context, id string, content *string, metadata map[string]any) (*domain.ConversationMessage, error) {
	if content == nil && metadata == nil {
		return nil, invalidArgument("nothing to update")
	}
	if content != nil {
		trimmed := strings.TrimSpace(*content)
		if trimmed == "" {
			return nil, invalidArgument("content must not be empty")
		}
		content = &trimmed
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	msg, err := c.messages.Update(storeCtx, id, content, metadata, c.opts.Now().UTC())
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, errMessageGone
	}
	if err != nil {
		return nil, unavailable("update message", err)
	}
	return msg, nil
}

func (c *ConversationService) DeleteMessage(ctx context.Context, id string) error {
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	err := c.messages.Delete(storeCtx, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return errMessageGone
	}
	if err != nil {
		return unavailable("delete message", err)
	}
	return nil
}

func (c *ConversationService) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	n, err := c.messages.CountBySession(storeCtx, sessionID)
	if err != nil {
		return 0, unavailable("count messages", err)
	}
	return n, nil
}

func (c *ConversationService) ClearConversation(ctx context.Context, sessionID string) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "conversation.clear", attribute.String("session.id", sessionID))
	defer span.End()

	if _, err := c.sessions.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	n, err := c.messages.DeleteBySession(storeCtx, sessionID)
	if err != nil {
		failSpan(span, err)
		return 0, unavailable("clear conversation", err)
	}
	return n, nil
}

// Wait blocks until every detached task started so far has finished.
func (c *ConversationService) Wait() {
	c.detached.Wait()
}

func (c *ConversationService) maybeRefreshSummary(ctx context.Context, sessionID string) error {
	count, err := c.messages.CountBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	// Tasks can run after later appends, so a crossing is detected by
	// comparing threshold buckets with the last summarized count.
	threshold := int64(c.opts.SummaryThreshold)
	last := summarizedCount(session.Context)
	if last > count {
		last = 0
	}
	if count/threshold <= last/threshold {
		return nil
	}

	recent, err := c.messages.ListRecent(ctx, sessionID, c.opts.SummaryWindow)
	if err != nil {
		observability.RecordSummaryRun(ctx, "error")
		return fmt.Errorf("load recent messages: %w", err)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	text, err := c.summarizer.Summarize(ctx, recent)
	if err != nil {
		observability.RecordSummaryRun(ctx, "error")
		return fmt.Errorf("summarize: %w", err)
	}
	patch := map[string]any{
		SummaryContextKey: map[string]any{
			"text":          text,
			"message_count": count,
			"generated_at":  c.opts.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := c.sessions.MergeContext(ctx, sessionID, patch); err != nil {
		observability.RecordSummaryRun(ctx, "error")
		return fmt.Errorf("store summary: %w", err)
	}
	observability.RecordSummaryRun(ctx, "success")
	c.logger.InfoContext(ctx, "conversation summary refreshed", "session_id", sessionID, "message_count", count)
	return nil
}

func summarizedCount(sessionContext map[string]any) int64 {
	summary, ok := sessionContext[SummaryContextKey].(map[string]any)
	if !ok {
		return 0
	}
	switch n := summary["message_count"].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		v, _ := n.Int64()
		return v
	}
	return 0
}

// detach runs fn on its own deadline, detached from parent cancellation.
// Failures and panics are logged and never retried.
func (c *ConversationService) detach(parent context.Context, name string, timeout time.Duration, fn func(context.Context) error) {
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				c.logger.ErrorContext(ctx, "detached task panicked",
					"task", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := fn(ctx); err != nil {
			c.logger.WarnContext(ctx, "detached task failed", "task", name, "error", err)
		}
	}()
}
