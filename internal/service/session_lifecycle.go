package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
)

type SessionLifecycleOptions struct {
	InactivityWindow  time.Duration
	MaxActivePerOwner int
	CacheTTL          time.Duration
	TombstoneTTL      time.Duration
	StoreTimeout      time.Duration
	CacheTimeout      time.Duration
	SweepBatchSize    int
	Now               func() time.Time
}

func (o SessionLifecycleOptions) withDefaults() SessionLifecycleOptions {
	if o.InactivityWindow <= 0 {
		o.InactivityWindow = 30 * time.Minute
	}
	if o.MaxActivePerOwner <= 0 {
		o.MaxActivePerOwner = 5
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = 250 * time.Millisecond
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 500
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// SessionLifecycleManager owns session status transitions. Every write goes
// to the store first and then invalidates or refreshes the cache entry.
type SessionLifecycleManager struct {
	sessions   repository.SessionRepository
	cache      SessionCacheStore
	tombstones SessionTombstoneStore
	opts       SessionLifecycleOptions
	logger     *slog.Logger
}

func NewSessionLifecycleManager(
	sessions repository.SessionRepository,
	cache SessionCacheStore,
	tombstones SessionTombstoneStore,
	opts SessionLifecycleOptions,
	logger *slog.Logger,
) *SessionLifecycleManager {
	if cache == nil {
		cache = NewNoopSessionCacheStore()
	}
	if tombstones == nil {
		tombstones = NewNoopSessionTombstoneStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLifecycleManager{
		sessions:   sessions,
		cache:      cache,
		tombstones: tombstones,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "session_lifecycle"),
	}
}

func (m *SessionLifecycleManager) now() time.Time { return m.opts.Now().UTC() }

func (m *SessionLifecycleManager) CreateSession(ctx context.Context, ownerID string, sessionContext map[string]any, explicitExpiry *time.Time) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, invalidArgument("owner id is required")
	}
	now := m.now()
	expiresAt := now.Add(m.opts.InactivityWindow)
	if explicitExpiry != nil {
		if !explicitExpiry.After(now) {
			return nil, invalidArgument("expires_at must be in the future")
		}
		expiresAt = explicitExpiry.UTC()
	}
	s := &domain.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Status:       domain.SessionStatusActive,
		Context:      copyContext(sessionContext),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
		UpdatedAt:    now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	evicted, err := m.sessions.CreateWithOwnerCap(storeCtx, s, m.opts.MaxActivePerOwner, now)
	cancel()
	if err != nil {
		failSpan(span, err)
		return nil, unavailable("create session", err)
	}
	m.dropEvicted(ctx, ownerID, evicted)
	m.cacheSet(ctx, s, now)
	observability.RecordSessionTransition(ctx, "created")
	span.SetAttributes(attribute.String("session.id", s.ID))
	return s, nil
}

// GetSession returns a live session. A session whose window has closed is
// expired on the spot and reported as not found.
func (m *SessionLifecycleManager) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.get", attribute.String("session.id", id))
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, errSessionGone
	}
	if m.tombstoned(ctx, id) {
		span.SetAttributes(attribute.String("session.source", "tombstone"))
		return nil, errSessionGone
	}
	now := m.now()
	if cached, ok := m.cacheGet(ctx, id); ok {
		if cached.IsLive(now) {
			span.SetAttributes(attribute.String("session.source", "cache"))
			return cached, nil
		}
		m.cacheDelete(ctx, id)
	}
	span.SetAttributes(attribute.String("session.source", "store"))
	s, err := m.load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			failSpan(span, err)
		}
		return nil, err
	}
	if !s.IsLive(now) {
		if err := m.expireStale(ctx, s.ID, now); err != nil {
			failSpan(span, err)
			return nil, err
		}
		return nil, errSessionGone
	}
	m.fillCache(ctx, s, now)
	return s, nil
}

// LookupSession reads a session in any status. It exists for ownership
// checks on history that outlives its session.
func (m *SessionLifecycleManager) LookupSession(ctx context.Context, id string) (*domain.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errSessionGone
	}
	return m.load(ctx, id)
}

func (m *SessionLifecycleManager) TouchActivity(ctx context.Context, id string) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.touch", attribute.String("session.id", id))
	defer span.End()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	expiresAt := now.Add(m.opts.InactivityWindow)

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	ok, evicted, err := m.sessions.Touch(storeCtx, id, now, expiresAt, m.opts.MaxActivePerOwner)
	cancel()
	if err != nil {
		failSpan(span, err)
		return nil, unavailable("touch session", err)
	}
	if !ok {
		return m.resolveRejectedWrite(ctx, id, now)
	}
	m.dropEvicted(ctx, s.OwnerID, evicted)
	s.Status = domain.SessionStatusActive
	s.LastActivity = now
	s.ExpiresAt = expiresAt
	s.UpdatedAt = now
	observability.RecordSessionTransition(ctx, "touched")
	return m.refresh(ctx, s, now), nil
}

func (m *SessionLifecycleManager) UpdateContext(ctx context.Context, id string, sessionContext map[string]any) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.update_context", attribute.String("session.id", id))
	defer span.End()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	next := copyContext(sessionContext)

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	ok, err := m.sessions.UpdateContext(storeCtx, id, next, now)
	cancel()
	if err != nil {
		failSpan(span, err)
		m.cacheDelete(ctx, id)
		return nil, unavailable("update session context", err)
	}
	if !ok {
		return nil, m.expireAfterRejectedWrite(ctx, id, now)
	}
	s.Context = next
	s.UpdatedAt = now
	return m.refresh(ctx, s, now), nil
}

// MergeContext applies patch on top of the stored context in one store
// transaction so writers of different keys do not clobber each other.
func (m *SessionLifecycleManager) MergeContext(ctx context.Context, id string, patch map[string]any) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.merge_context", attribute.String("session.id", id))
	defer span.End()

	now := m.now()
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	s, err := m.sessions.MergeContext(storeCtx, id, patch, now)
	cancel()
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, errSessionGone
	}
	if err != nil {
		failSpan(span, err)
		m.cacheDelete(ctx, id)
		return nil, unavailable("merge session context", err)
	}
	if !s.IsLive(now) {
		m.cacheDelete(ctx, id)
		return s, nil
	}
	m.cacheSet(ctx, s, now)
	return s, nil
}

// Deactivate pauses a session. It stays readable and keeps its window;
// the next activity makes it ACTIVE again.
func (m *SessionLifecycleManager) Deactivate(ctx context.Context, id string) (*domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.deactivate", attribute.String("session.id", id))
	defer span.End()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == domain.SessionStatusInactive {
		return s, nil
	}
	now := m.now()
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	ok, err := m.sessions.TransitionStatus(storeCtx, id, domain.SessionStatusActive, domain.SessionStatusInactive, now)
	cancel()
	if err != nil {
		failSpan(span, err)
		m.cacheDelete(ctx, id)
		return nil, unavailable("deactivate session", err)
	}
	if !ok {
		return m.resolveRejectedWrite(ctx, id, now)
	}
	s.Status = domain.SessionStatusInactive
	s.UpdatedAt = now
	observability.RecordSessionTransition(ctx, "deactivated")
	return m.refresh(ctx, s, now), nil
}

func (m *SessionLifecycleManager) Expire(ctx context.Context, id string) error {
	_, err := m.ExpireMany(ctx, []string{id})
	return err
}

// ExpireMany is idempotent: already expired or unknown ids are skipped, and
// the cache is invalidated for every id regardless.
func (m *SessionLifecycleManager) ExpireMany(ctx context.Context, ids []string) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "session.expire", attribute.Int("session.count", len(ids)))
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}
	now := m.now()
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	n, err := m.sessions.ExpireByIDs(storeCtx, ids, now)
	cancel()
	m.cacheDelete(ctx, ids...)
	if err != nil {
		failSpan(span, err)
		return 0, unavailable("expire sessions", err)
	}
	m.tombstone(ctx, ids...)
	for i := int64(0); i < n; i++ {
		observability.RecordSessionTransition(ctx, "expired")
	}
	return n, nil
}

func (m *SessionLifecycleManager) DeleteSession(ctx context.Context, id string) error {
	ctx, span := observability.StartSpan(ctx, "session.delete", attribute.String("session.id", id))
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return errSessionGone
	}
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	err := m.sessions.Delete(storeCtx, id)
	cancel()
	m.cacheDelete(ctx, id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		m.tombstone(ctx, id)
		return errSessionGone
	}
	if err != nil {
		failSpan(span, err)
		return unavailable("delete session", err)
	}
	m.tombstone(ctx, id)
	observability.RecordSessionTransition(ctx, "deleted")
	return nil
}

func (m *SessionLifecycleManager) ListSessions(ctx context.Context, ownerID string, status domain.SessionStatus, page repository.PageRequest) (repository.PageResult[domain.Session], error) {
	if strings.TrimSpace(ownerID) == "" {
		return repository.PageResult[domain.Session]{}, invalidArgument("owner id is required")
	}
	if status != "" && !status.Valid() {
		return repository.PageResult[domain.Session]{}, invalidArgument("unknown status %q", status)
	}
	now := m.now()
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	result, err := m.sessions.ListByOwner(storeCtx, ownerID, status, now, page)
	if err != nil {
		return repository.PageResult[domain.Session]{}, unavailable("list sessions", err)
	}
	for i := range result.Items {
		if !result.Items[i].IsLive(now) {
			result.Items[i].Status = domain.SessionStatusExpired
		}
	}
	return result, nil
}

// SweepExpired expires every ACTIVE or INACTIVE session whose window has
// closed, in batches, and returns how many it transitioned.
func (m *SessionLifecycleManager) SweepExpired(ctx context.Context) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "session.sweep_expired")
	defer span.End()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		now := m.now()
		storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
		ids, err := m.sessions.ListStaleIDs(storeCtx, now, m.opts.SweepBatchSize)
		cancel()
		if err != nil {
			failSpan(span, err)
			return total, unavailable("list stale sessions", err)
		}
		if len(ids) == 0 {
			break
		}
		n, err := m.ExpireMany(ctx, ids)
		total += n
		if err != nil {
			failSpan(span, err)
			return total, err
		}
		if len(ids) < m.opts.SweepBatchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int64("session.expired", total))
	return total, nil
}

// PurgeExpiredOlderThan hard-deletes EXPIRED sessions, and their history,
// whose expiry is older than retention.
func (m *SessionLifecycleManager) PurgeExpiredOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "session.purge_expired")
	defer span.End()

	cutoff := m.now().Add(-retention)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
		n, err := m.sessions.PurgeExpiredBefore(storeCtx, cutoff, m.opts.SweepBatchSize)
		cancel()
		total += n
		if err != nil {
			failSpan(span, err)
			return total, unavailable("purge expired sessions", err)
		}
		if n < int64(m.opts.SweepBatchSize) {
			break
		}
	}
	span.SetAttributes(attribute.Int64("session.purged", total))
	return total, nil
}

func (m *SessionLifecycleManager) load(ctx context.Context, id string) (*domain.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	s, err := m.sessions.FindByID(storeCtx, id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		m.tombstone(ctx, id)
		return nil, errSessionGone
	}
	if err != nil {
		return nil, unavailable("load session", err)
	}
	return s, nil
}

// resolveRejectedWrite handles a conditional write that matched no row:
// either the window closed in between, or a concurrent writer got there
// first and the session is still live.
func (m *SessionLifecycleManager) resolveRejectedWrite(ctx context.Context, id string, now time.Time) (*domain.Session, error) {
	m.cacheDelete(ctx, id)
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsLive(now) {
		if err := m.expireStale(ctx, id, now); err != nil {
			return nil, err
		}
		return nil, errSessionGone
	}
	m.fillCache(ctx, s, now)
	return s, nil
}

func (m *SessionLifecycleManager) expireAfterRejectedWrite(ctx context.Context, id string, now time.Time) error {
	if _, err := m.resolveRejectedWrite(ctx, id, now); err != nil {
		return err
	}
	return unavailable("update session", errors.New("concurrent modification"))
}

func (m *SessionLifecycleManager) expireStale(ctx context.Context, id string, now time.Time) error {
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	expired, err := m.sessions.ExpireIfStale(storeCtx, id, now)
	cancel()
	m.cacheDelete(ctx, id)
	if err != nil {
		return unavailable("expire stale session", err)
	}
	m.tombstone(ctx, id)
	if expired {
		observability.RecordSessionTransition(ctx, "expired")
		m.logger.DebugContext(ctx, "session expired on access", "session_id", id)
	}
	return nil
}

// refresh re-reads a session after a successful write and caches the
// stored row, so fields written concurrently by others are not overwritten
// in the cache with a stale local copy. On read failure the entry is
// dropped and the local copy returned.
func (m *SessionLifecycleManager) refresh(ctx context.Context, local *domain.Session, now time.Time) *domain.Session {
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	s, err := m.sessions.FindByID(storeCtx, local.ID)
	cancel()
	if err != nil {
		m.cacheDelete(ctx, local.ID)
		return local
	}
	m.cacheSet(ctx, s, now)
	return s
}

// fillCache caches a row read on a cache miss. A writer that changed the
// session after that read may already have invalidated the entry, so the row
// is read again once cached and the entry dropped unless it still matches.
func (m *SessionLifecycleManager) fillCache(ctx context.Context, s *domain.Session, now time.Time) {
	if _, noop := m.cache.(*NoopSessionCacheStore); noop {
		return
	}
	m.cacheSet(ctx, s, now)
	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	current, err := m.sessions.FindByID(storeCtx, s.ID)
	cancel()
	if err != nil || !current.IsLive(now) || current.Status != s.Status || !current.UpdatedAt.Equal(s.UpdatedAt) {
		m.cacheDelete(ctx, s.ID)
	}
}

func (m *SessionLifecycleManager) dropEvicted(ctx context.Context, ownerID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	m.forget(ctx, ids...)
	for range ids {
		observability.RecordSessionTransition(ctx, "evicted")
	}
	m.logger.InfoContext(ctx, "owner session cap reached, evicted sessions",
		"owner_id", ownerID, "evicted", ids, "cap", m.opts.MaxActivePerOwner)
}

func (m *SessionLifecycleManager) forget(ctx context.Context, ids ...string) {
	m.cacheDelete(ctx, ids...)
	m.tombstone(ctx, ids...)
}

func (m *SessionLifecycleManager) cacheGet(ctx context.Context, id string) (*domain.Session, bool) {
	cacheCtx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	s, ok, err := m.cache.Get(cacheCtx, id)
	if err != nil {
		observability.RecordCacheEvent(ctx, "session", "error")
		m.logger.WarnContext(ctx, "session cache read failed", "session_id", id, "error", err)
		return nil, false
	}
	if !ok {
		observability.RecordCacheEvent(ctx, "session", "miss")
		return nil, false
	}
	observability.RecordCacheEvent(ctx, "session", "hit")
	return s, true
}

func (m *SessionLifecycleManager) cacheSet(ctx context.Context, s *domain.Session, now time.Time) {
	ttl := m.opts.CacheTTL
	if remaining := s.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		m.cacheDelete(ctx, s.ID)
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	if err := m.cache.Set(cacheCtx, s, ttl); err != nil {
		observability.RecordCacheEvent(ctx, "session", "error")
		m.logger.WarnContext(ctx, "session cache write failed", "session_id", s.ID, "error", err)
	}
}

func (m *SessionLifecycleManager) cacheDelete(ctx context.Context, ids ...string) {
	cacheCtx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	if err := m.cache.Delete(cacheCtx, ids...); err != nil {
		observability.RecordCacheEvent(ctx, "session", "error")
		m.logger.WarnContext(ctx, "session cache invalidation failed", "session_ids", ids, "error", err)
	}
}

func (m *SessionLifecycleManager) tombstoned(ctx context.Context, id string) bool {
	cacheCtx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	ok, err := m.tombstones.Has(cacheCtx, id)
	if err != nil {
		observability.RecordCacheEvent(ctx, "tombstone", "error")
		m.logger.WarnContext(ctx, "session tombstone read failed", "session_id", id, "error", err)
		return false
	}
	if ok {
		observability.RecordCacheEvent(ctx, "tombstone", "hit")
	}
	return ok
}

func (m *SessionLifecycleManager) tombstone(ctx context.Context, ids ...string) {
	cacheCtx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	if err := m.tombstones.Put(cacheCtx, m.opts.TombstoneTTL, ids...); err != nil {
		observability.RecordCacheEvent(ctx, "tombstone", "error")
		m.logger.WarnContext(ctx, "session tombstone write failed", "session_ids", ids, "error", err)
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
