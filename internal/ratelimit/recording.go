package ratelimit

import (
	"context"
	"time"
)

// RecordingLimiter decorates a Limiter with a StatusCache so operators can
// inspect an actor's most recent budget decision without consuming from it.
type RecordingLimiter struct {
	limiter *Limiter
	cache   *StatusCache
}

func NewRecordingLimiter(limiter *Limiter, cache *StatusCache) *RecordingLimiter {
	return &RecordingLimiter{limiter: limiter, cache: cache}
}

func (r *RecordingLimiter) CheckAndConsume(ctx context.Context, scope, actorKey string, limit int, window time.Duration, now time.Time) (Decision, error) {
	decision, err := r.limiter.CheckAndConsume(ctx, scope, actorKey, limit, window, now)
	if err == nil {
		r.cache.Set(scope+":"+actorKey, decision)
	}
	return decision, err
}

// Status returns the cached last decision for (scope, actorKey), if still
// fresh. Advisory only.
func (r *RecordingLimiter) Status(scope, actorKey string) (Decision, bool) {
	return r.cache.Get(scope + ":" + actorKey)
}
