package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
)

type sweepTarget interface {
	SweepExpired(ctx context.Context) (int64, error)
	PurgeExpiredOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type SweepResult struct {
	Expired  int64
	Purged   int64
	Duration time.Duration
}

// ExpirationSweeper periodically expires sessions whose inactivity window
// has closed and purges expired sessions past retention.
type ExpirationSweeper struct {
	sessions  sweepTarget
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewExpirationSweeper(sessions sweepTarget, interval, retention time.Duration, logger *slog.Logger) *ExpirationSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirationSweeper{
		sessions:  sessions,
		interval:  interval,
		retention: retention,
		logger:    logger.With("component", "expiration_sweeper"),
		stopChan:  make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until Stop is
// called or ctx is cancelled.
func (s *ExpirationSweeper) Start(ctx context.Context) {
	s.logger.Info("starting expiration sweeper", "interval", s.interval, "retention", s.retention)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

func (s *ExpirationSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("expiration sweeper stopped")
	})
}

func (s *ExpirationSweeper) loop(ctx context.Context) {
	s.safeRun(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

func (s *ExpirationSweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordSweepRun(ctx, "panic", 0, 0)
			s.logger.ErrorContext(ctx, "expiration sweep panicked",
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	_, _ = s.RunOnce(ctx)
}

// RunOnce performs a single expire-then-purge pass.
func (s *ExpirationSweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	expired, err := s.sessions.SweepExpired(ctx)
	res.Expired = expired
	if err != nil {
		res.Duration = time.Since(start)
		observability.RecordSweepRun(ctx, "error", res.Expired, 0)
		s.logger.ErrorContext(ctx, "session expiration sweep failed", "expired", expired, "error", err, "duration", res.Duration)
		return res, err
	}

	purged, err := s.sessions.PurgeExpiredOlderThan(ctx, s.retention)
	res.Purged = purged
	res.Duration = time.Since(start)
	if err != nil {
		observability.RecordSweepRun(ctx, "error", res.Expired, res.Purged)
		s.logger.ErrorContext(ctx, "expired session purge failed", "purged", purged, "error", err, "duration", res.Duration)
		return res, err
	}

	observability.RecordSweepRun(ctx, "success", res.Expired, res.Purged)
	s.logger.InfoContext(ctx, "expiration sweep finished",
		"expired", res.Expired,
		"purged", res.Purged,
		"duration", res.Duration,
	)
	return res, nil
}
