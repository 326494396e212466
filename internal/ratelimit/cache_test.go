package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusCache_Staleness(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	cache := NewStatusCache(30*time.Second, clock)
	cache.Set("outbound_sms:tenant-a", Decision{Allowed: true, Count: 3})

	got, ok := cache.Get("outbound_sms:tenant-a")
	assert.True(t, ok)
	assert.Equal(t, 3, got.Count)

	now = now.Add(31 * time.Second)
	_, ok = cache.Get("outbound_sms:tenant-a")
	assert.False(t, ok, "entries past the TTL must not be served")
}

func TestWindowStart(t *testing.T) {
	window := time.Second
	base := time.UnixMilli(10_000)

	assert.Equal(t, int64(10_000), WindowStart(base, window))
	assert.Equal(t, int64(10_000), WindowStart(base.Add(999*time.Millisecond), window))
	assert.Equal(t, int64(11_000), WindowStart(base.Add(time.Second), window))
}
