package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("message not found")

type MessageRepository interface {
	Create(ctx context.Context, m *domain.ConversationMessage) error
	FindByID(ctx context.Context, id string) (*domain.ConversationMessage, error)
	ListPaged(ctx context.Context, sessionID string, req PageRequest, descending bool) (PageResult[domain.ConversationMessage], error)
	// ListRecent returns the newest limit messages, newest first.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	Update(ctx context.Context, id string, content *string, metadata datatypes.JSONMap, now time.Time) (*domain.ConversationMessage, error)
	Delete(ctx context.Context, id string) error
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
}

type GormMessageRepository struct{ db *gorm.DB }

func NewMessageRepository(db *gorm.DB) MessageRepository { return &GormMessageRepository{db: db} }

func (r *GormMessageRepository) Create(ctx context.Context, m *domain.ConversationMessage) error {
	err := r.db.WithContext(ctx).Create(m).Error
	recordOp(ctx, "message", "create", err)
	return err
}

func (r *GormMessageRepository) FindByID(ctx context.Context, id string) (*domain.ConversationMessage, error) {
	var m domain.ConversationMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrMessageNotFound
	}
	recordOp(ctx, "message", "find_by_id", err)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormMessageRepository) ListPaged(ctx context.Context, sessionID string, req PageRequest, descending bool) (PageResult[domain.ConversationMessage], error) {
	normalized := normalizePageRequest(req)
	result := PageResult[domain.ConversationMessage]{
		Page:     normalized.Page,
		PageSize: normalized.PageSize,
	}

	base := r.db.WithContext(ctx).Model(&domain.ConversationMessage{}).Where("session_id = ?", sessionID)
	base = base.Session(&gorm.Session{})
	if err := base.Count(&result.Total).Error; err != nil {
		recordOp(ctx, "message", "list_paged", err)
		return PageResult[domain.ConversationMessage]{}, err
	}
	if err := orderChronological(base, descending).
		Offset(normalized.offset()).Limit(normalized.PageSize).
		Find(&result.Items).Error; err != nil {
		recordOp(ctx, "message", "list_paged", err)
		return PageResult[domain.ConversationMessage]{}, err
	}
	finishPage(&result)
	recordOp(ctx, "message", "list_paged", nil)
	return result, nil
}

func (r *GormMessageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	msgs := []domain.ConversationMessage{}
	q := orderChronological(r.db.WithContext(ctx).Where("session_id = ?", sessionID), true)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	recordOp(ctx, "message", "list_recent", err)
	return msgs, err
}

func (r *GormMessageRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ConversationMessage{}).Where("session_id = ?", sessionID).Count(&n).Error
	recordOp(ctx, "message", "count_by_session", err)
	return n, err
}

func (r *GormMessageRepository) Update(ctx context.Context, id string, content *string, metadata datatypes.JSONMap, now time.Time) (*domain.ConversationMessage, error) {
	var m domain.ConversationMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"updated_at": now}
		if content != nil {
			updates["content"] = *content
		}
		if metadata != nil {
			updates["metadata"] = metadata
		}
		res := tx.Model(&domain.ConversationMessage{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrMessageNotFound
		}
		return tx.Where("id = ?", id).First(&m).Error
	})
	recordOp(ctx, "message", "update", err)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormMessageRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.ConversationMessage{})
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrMessageNotFound
	}
	recordOp(ctx, "message", "delete", err)
	return err
}

func (r *GormMessageRepository) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&domain.ConversationMessage{})
	recordOp(ctx, "message", "delete_by_session", res.Error)
	return res.RowsAffected, res.Error
}

func orderChronological(q *gorm.DB, descending bool) *gorm.DB {
	if descending {
		return q.Order("created_at DESC").Order("seq DESC")
	}
	return q.Order("created_at ASC").Order("seq ASC")
}
