package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Counter is one fixed-window bucket per (scope, actor). The window resets
// whenever the computed window start for "now" differs from the stored one.
type Counter struct {
	Scope       string `gorm:"primaryKey;type:varchar(64)"`
	ActorKey    string `gorm:"primaryKey;type:varchar(191)"`
	WindowStart int64  `gorm:"not null"`
	Count       int    `gorm:"not null"`
	UpdatedAt   time.Time
}

func (Counter) TableName() string {
	return "rate_limit_counters"
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter bounds outbound operations per actor and window using counters in
// the shared database, so every process instance sees the same budget.
//
// This is a fixed-window counter, not a sliding log: up to 2x the limit can
// pass across a window boundary. Callers accept that bound in exchange for a
// single atomic upsert on the hot path.
type Limiter struct {
	db     *gorm.DB
	logger *zap.Logger

	cleanupEvery time.Duration
	cleanupMu    sync.Mutex
	lastCleanup  time.Time
}

func NewLimiter(db *gorm.DB, logger *zap.Logger) *Limiter {
	return &Limiter{
		db:           db,
		logger:       logger.Named("ratelimit"),
		cleanupEvery: 5 * time.Minute,
	}
}

// WindowStart computes the fixed-window bucket start for now.
func WindowStart(now time.Time, window time.Duration) int64 {
	ms := now.UnixMilli()
	windowMs := window.Milliseconds()
	return (ms / windowMs) * windowMs
}

// CheckAndConsume counts one operation against (scope, actorKey) and reports
// whether it fits inside limit for the current window. Degenerate inputs
// short-circuit to allowed: rate limiting is optional configuration and must
// never turn into an error on the hot path. Windows bucket at millisecond
// granularity, so anything under a millisecond counts as disabled too.
func (l *Limiter) CheckAndConsume(ctx context.Context, scope, actorKey string, limit int, window time.Duration, now time.Time) (Decision, error) {
	if limit <= 0 || window < time.Millisecond {
		return Decision{Allowed: true}, nil
	}

	windowStart := WindowStart(now, window)

	var count int
	err := l.db.WithContext(ctx).Raw(
		`INSERT INTO rate_limit_counters (scope, actor_key, window_start, count, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (scope, actor_key) DO UPDATE SET
		   count = CASE WHEN rate_limit_counters.window_start = EXCLUDED.window_start
		                THEN rate_limit_counters.count + 1
		                ELSE 1 END,
		   window_start = EXCLUDED.window_start,
		   updated_at = EXCLUDED.updated_at
		 RETURNING count`,
		scope, actorKey, windowStart, now.UTC(),
	).Scan(&count).Error
	if err != nil {
		return Decision{}, fmt.Errorf("consume rate limit: %w", err)
	}

	decision := Decision{
		Allowed: count <= limit,
		Count:   count,
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(windowStart+window.Milliseconds()-now.UnixMilli()) * time.Millisecond
	}

	l.maybeCleanup(ctx, window, now)

	return decision, nil
}

// Prune deletes counters whose window started before now-olderThan. The
// background sweep calls this on a schedule; unlike maybeCleanup the caller
// sees the error.
func (l *Limiter) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UnixMilli() - olderThan.Milliseconds()
	res := l.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&Counter{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune rate counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// maybeCleanup prunes counters whose window aged out. It is advisory: it runs
// at most once per cleanupEvery and swallows failures so the consume path is
// never blocked by housekeeping.
func (l *Limiter) maybeCleanup(ctx context.Context, window time.Duration, now time.Time) {
	l.cleanupMu.Lock()
	if now.Sub(l.lastCleanup) < l.cleanupEvery {
		l.cleanupMu.Unlock()
		return
	}
	l.lastCleanup = now
	l.cleanupMu.Unlock()

	cutoff := now.UnixMilli() - 3*window.Milliseconds()
	if err := l.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&Counter{}).Error; err != nil {
		l.logger.Warn("counter_cleanup_failed", zap.Error(err))
	}
}
