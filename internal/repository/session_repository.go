package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	// CreateWithOwnerCap inserts s after force-expiring the owner's least
	// recently active ACTIVE sessions so at most maxActive remain ACTIVE.
	CreateWithOwnerCap(ctx context.Context, s *domain.Session, maxActive int, now time.Time) ([]string, error)
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	// ListByOwner filters by effective status at now: a session whose window
	// has closed counts as EXPIRED even before the sweeper marks it.
	ListByOwner(ctx context.Context, ownerID string, status domain.SessionStatus, now time.Time, req PageRequest) (PageResult[domain.Session], error)
	// Touch slides the window of a live session. Reactivating an INACTIVE
	// session is held to the owner cap like a create; evicted ids are returned.
	Touch(ctx context.Context, id string, now, expiresAt time.Time, maxActive int) (bool, []string, error)
	UpdateContext(ctx context.Context, id string, sessionContext datatypes.JSONMap, now time.Time) (bool, error)
	MergeContext(ctx context.Context, id string, patch map[string]any, now time.Time) (*domain.Session, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.SessionStatus, now time.Time) (bool, error)
	ExpireByIDs(ctx context.Context, ids []string, now time.Time) (int64, error)
	ExpireIfStale(ctx context.Context, id string, now time.Time) (bool, error)
	ListStaleIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	Delete(ctx context.Context, id string) error
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Create(s).Error
	recordOp(ctx, "session", "create", err)
	return err
}

func (r *GormSessionRepository) CreateWithOwnerCap(ctx context.Context, s *domain.Session, maxActive int, now time.Time) ([]string, error) {
	var evicted []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if evicted, err = makeRoomForActive(tx, s.OwnerID, maxActive, now); err != nil {
			return err
		}
		return tx.Create(s).Error
	})
	recordOp(ctx, "session", "create_with_owner_cap", err)
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrSessionNotFound
	}
	recordOp(ctx, "session", "find_by_id", err)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormSessionRepository) ListByOwner(ctx context.Context, ownerID string, status domain.SessionStatus, now time.Time, req PageRequest) (PageResult[domain.Session], error) {
	normalized := normalizePageRequest(req)
	result := PageResult[domain.Session]{
		Page:     normalized.Page,
		PageSize: normalized.PageSize,
	}

	base := r.db.WithContext(ctx).Model(&domain.Session{}).Where("owner_id = ?", ownerID)
	switch status {
	case "":
	case domain.SessionStatusExpired:
		base = base.Where("(status = ? OR expires_at <= ?)", domain.SessionStatusExpired, now)
	default:
		base = base.Where("status = ? AND expires_at > ?", status, now)
	}
	base = base.Session(&gorm.Session{})
	if err := base.Count(&result.Total).Error; err != nil {
		recordOp(ctx, "session", "list_by_owner", err)
		return PageResult[domain.Session]{}, err
	}
	if err := base.Order("last_activity DESC").Order("id ASC").
		Offset(normalized.offset()).Limit(normalized.PageSize).
		Find(&result.Items).Error; err != nil {
		recordOp(ctx, "session", "list_by_owner", err)
		return PageResult[domain.Session]{}, err
	}
	finishPage(&result)
	recordOp(ctx, "session", "list_by_owner", nil)
	return result, nil
}

// Touch never moves LastActivity backwards and never revives a session whose
// window has already closed.
func (r *GormSessionRepository) Touch(ctx context.Context, id string, now, expiresAt time.Time, maxActive int) (bool, []string, error) {
	var (
		touched bool
		evicted []string
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "owner_id", "status").
			Where("id = ? AND status <> ? AND expires_at > ? AND last_activity <= ?", id, domain.SessionStatusExpired, now, now).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status == domain.SessionStatusInactive {
			if evicted, err = makeRoomForActive(tx, current.OwnerID, maxActive, now); err != nil {
				return err
			}
		}
		res := tx.Model(&domain.Session{}).
			Where("id = ? AND status <> ? AND last_activity <= ?", id, domain.SessionStatusExpired, now).
			Updates(map[string]any{
				"status":        domain.SessionStatusActive,
				"last_activity": now,
				"expires_at":    expiresAt,
				"updated_at":    now,
			})
		touched = res.RowsAffected > 0
		return res.Error
	})
	recordOp(ctx, "session", "touch", err)
	if err != nil {
		return false, nil, err
	}
	return touched, evicted, nil
}

func (r *GormSessionRepository) UpdateContext(ctx context.Context, id string, sessionContext datatypes.JSONMap, now time.Time) (bool, error) {
	if sessionContext == nil {
		sessionContext = datatypes.JSONMap{}
	}
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND status <> ? AND expires_at > ?", id, domain.SessionStatusExpired, now).
		Updates(map[string]any{"context": sessionContext, "updated_at": now})
	recordOp(ctx, "session", "update_context", res.Error)
	return res.RowsAffected > 0, res.Error
}

func (r *GormSessionRepository) MergeContext(ctx context.Context, id string, patch map[string]any, now time.Time) (*domain.Session, error) {
	var merged domain.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status <> ?", id, domain.SessionStatusExpired).
			First(&merged).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		next := datatypes.JSONMap{}
		for k, v := range merged.Context {
			next[k] = v
		}
		for k, v := range patch {
			next[k] = v
		}
		if err := tx.Model(&domain.Session{}).Where("id = ?", id).
			Updates(map[string]any{"context": next, "updated_at": now}).Error; err != nil {
			return err
		}
		merged.Context = next
		merged.UpdatedAt = now
		return nil
	})
	recordOp(ctx, "session", "merge_context", err)
	if err != nil {
		return nil, err
	}
	return &merged, nil
}

func (r *GormSessionRepository) TransitionStatus(ctx context.Context, id string, from, to domain.SessionStatus, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, from, now).
		Updates(map[string]any{"status": to, "updated_at": now})
	recordOp(ctx, "session", "transition_status", res.Error)
	return res.RowsAffected > 0, res.Error
}

func (r *GormSessionRepository) ExpireByIDs(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		recordOp(ctx, "session", "expire_by_ids", nil)
		return 0, nil
	}
	res := expireIDs(r.db.WithContext(ctx), ids, now)
	recordOp(ctx, "session", "expire_by_ids", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) ExpireIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND status <> ? AND expires_at <= ?", id, domain.SessionStatusExpired, now).
		Updates(map[string]any{"status": domain.SessionStatusExpired, "updated_at": now})
	recordOp(ctx, "session", "expire_if_stale", res.Error)
	return res.RowsAffected > 0, res.Error
}

func (r *GormSessionRepository) ListStaleIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("status IN ? AND expires_at <= ?", []domain.SessionStatus{domain.SessionStatusActive, domain.SessionStatusInactive}, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	recordOp(ctx, "session", "list_stale_ids", err)
	return ids, err
}

// PurgeExpiredBefore hard-deletes up to limit EXPIRED sessions whose expiry
// precedes cutoff, together with their messages.
func (r *GormSessionRepository) PurgeExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		q := tx.Model(&domain.Session{}).
			Where("status = ? AND expires_at < ?", domain.SessionStatusExpired, cutoff).
			Order("expires_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&domain.ConversationMessage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&domain.Session{})
		purged = res.RowsAffected
		return res.Error
	})
	recordOp(ctx, "session", "purge_expired_before", err)
	return purged, err
}

func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&domain.ConversationMessage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	recordOp(ctx, "session", "delete", err)
	return err
}

// makeRoomForActive expires the owner's least recently active ACTIVE sessions
// so one more can become ACTIVE without exceeding maxActive. The rows are
// locked for the rest of tx.
func makeRoomForActive(tx *gorm.DB, ownerID string, maxActive int, now time.Time) ([]string, error) {
	if maxActive <= 0 {
		return nil, nil
	}
	var active []domain.Session
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("owner_id = ? AND status = ?", ownerID, domain.SessionStatusActive).
		Order("last_activity ASC").Order("created_at ASC").
		Find(&active).Error; err != nil {
		return nil, err
	}
	if len(active) < maxActive {
		return nil, nil
	}
	evicted := make([]string, 0, len(active)-maxActive+1)
	for _, victim := range active[:len(active)-maxActive+1] {
		evicted = append(evicted, victim.ID)
	}
	if err := expireIDs(tx, evicted, now).Error; err != nil {
		return nil, err
	}
	return evicted, nil
}

// expireIDs moves ids to EXPIRED and pulls a still-future expiry back to now
// so retention is measured from the moment the session actually ended.
func expireIDs(tx *gorm.DB, ids []string, now time.Time) *gorm.DB {
	return tx.Model(&domain.Session{}).
		Where("id IN ? AND status <> ?", ids, domain.SessionStatusExpired).
		Updates(map[string]any{
			"status":     domain.SessionStatusExpired,
			"expires_at": gorm.Expr("CASE WHEN expires_at > ? THEN ? ELSE expires_at END", now, now),
			"updated_at": now,
		})
}

func recordOp(ctx context.Context, entity, operation string, err error) {
	switch {
	case err == nil:
		observability.RecordRepositoryOperation(ctx, entity, operation, "success")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrMessageNotFound):
		observability.RecordRepositoryOperation(ctx, entity, operation, "not_found")
	default:
		observability.RecordRepositoryOperation(ctx, entity, operation, "error")
	}
}
