package ratelimit

import (
	"sync"
	"time"
)

// StatusCache is a short-lived advisory cache of recent limiter decisions,
// for status/health reporting only. It must never substitute for the
// authoritative counter check before an irreversible operation. The clock is
// injected so tests control staleness deterministically.
type StatusCache struct {
	mu    sync.RWMutex
	items map[string]cachedDecision
	ttl   time.Duration
	now   func() time.Time
}

type cachedDecision struct {
	decision  Decision
	fetchedAt time.Time
}

func NewStatusCache(ttl time.Duration, now func() time.Time) *StatusCache {
	if now == nil {
		now = time.Now
	}
	return &StatusCache{
		items: make(map[string]cachedDecision),
		ttl:   ttl,
		now:   now,
	}
}

func (c *StatusCache) Get(key string) (Decision, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(item.fetchedAt) > c.ttl {
		return Decision{}, false
	}
	return item.decision, true
}

func (c *StatusCache) Set(key string, decision Decision) {
	c.mu.Lock()
	c.items[key] = cachedDecision{decision: decision, fetchedAt: c.now()}
	c.mu.Unlock()
}
