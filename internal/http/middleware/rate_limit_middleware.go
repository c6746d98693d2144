package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
)

// RateLimitPolicy admits Limit requests per key in any sliding Window.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

func (p RateLimitPolicy) normalized() RateLimitPolicy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

// MemoryLimiter keeps a per-key log of admitted requests in process.
type MemoryLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	nextSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return newMemoryLimiter(time.Now)
}

func newMemoryLimiter(now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		hits:      make(map[string][]time.Time),
		nextSweep: now().Add(time.Minute),
		now:       now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	p := policy.normalized()
	now := l.now()
	cutoff := now.Add(-p.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		for k, hits := range l.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(l.hits, k)
			}
		}
		l.nextSweep = now.Add(p.Window)
	}

	hits := l.hits[key]
	for len(hits) > 0 && !hits[0].After(cutoff) {
		hits = hits[1:]
	}
	if len(hits) >= p.Limit {
		l.hits[key] = hits
		resetAt := hits[len(hits)-p.Limit].Add(p.Window)
		return Decision{RetryAfter: resetAt.Sub(now), ResetAt: resetAt}, nil
	}
	hits = append(hits, now)
	l.hits[key] = hits
	return Decision{
		Allowed:   true,
		Remaining: p.Limit - len(hits),
		ResetAt:   hits[0].Add(p.Window),
	}, nil
}

// RedisLimiter shares the request log of a key between gateway nodes as a
// sorted set scored by admission time in milliseconds.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "chat:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	p := policy.normalized()
	now := l.now()
	redisKey := l.prefix + ":" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-p.Window).UnixMilli(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, p.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	resetAt := now.Add(p.Window)
	if first := oldest.Val(); len(first) > 0 {
		resetAt = time.UnixMilli(int64(first[0].Score)).Add(p.Window)
	}
	admitted := int(count.Val())
	if admitted <= p.Limit {
		return Decision{Allowed: true, Remaining: p.Limit - admitted, ResetAt: resetAt}, nil
	}
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	retryAfter := resetAt.Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return Decision{RetryAfter: retryAfter, ResetAt: now.Add(retryAfter)}, nil
}

// RateLimiter guards one traffic class. Keys are namespaced by scope so
// classes sharing a backend never consume each other's budget. When the
// backend fails the node-local limiter decides instead.
type RateLimiter struct {
	limiter  Limiter
	fallback Limiter
	policy   RateLimitPolicy
	scope    string
	keyFunc  func(r *http.Request) string
}

func NewRateLimiter(limiter Limiter, scope string, policy RateLimitPolicy, keyFunc func(r *http.Request) string) *RateLimiter {
	fallback := NewMemoryLimiter()
	if limiter == nil {
		limiter = fallback
	}
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter:  limiter,
		fallback: fallback,
		policy:   policy.normalized(),
		scope:    scope,
		keyFunc:  keyFunc,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			scoped := rl.scope + ":" + key
			decision, err := rl.limiter.Allow(r.Context(), scoped, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error")
				decision, _ = rl.fallback.Allow(r.Context(), scoped, rl.policy)
			}
			writeRateLimitHeaders(w.Header(), rl.policy.Limit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny_"+rateLimitKeyType(key))
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, decision.RetryAfter.Seconds())
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow")
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKeyFunc keys requests by verified token subject and falls back
// to the client IP. Query tokens count, so WebSocket upgrades from one owner
// share a key across reconnects.
func SubjectOrIPKeyFunc(verifier security.TokenVerifier) func(r *http.Request) string {
	return func(r *http.Request) string {
		if verifier == nil {
			return clientIPKey(r)
		}
		raw, _ := security.TokenFromRequest(r, true)
		if raw == "" {
			return clientIPKey(r)
		}
		claims, err := verifier.ParseAccessToken(raw)
		if err != nil || claims.OwnerID() == "" {
			return clientIPKey(r)
		}
		return "sub:" + claims.OwnerID()
	}
}

func clientIPKey(r *http.Request) string {
	if ip := parseRequestIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "sub:") {
		return "subject"
	}
	return "ip"
}
