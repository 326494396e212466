package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/callkitelabs/callkite-cloud/internal/ratelimit"
	"github.com/callkitelabs/callkite-cloud/pkg/testhelper"
)

func TestLimiter_DegenerateInputsAllowed(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, zap.NewNop())

	decision, err := limiter.CheckAndConsume(context.Background(), "outbound_sms", "tenant-a", 0, time.Minute, time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.CheckAndConsume(context.Background(), "outbound_sms", "tenant-a", 10, 0, time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Positive but under a millisecond: the bucket math would divide by zero.
	decision, err = limiter.CheckAndConsume(context.Background(), "outbound_sms", "tenant-a", 5, 500*time.Microsecond, time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiter_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, err := testhelper.SetupPostgres(ctx)
	require.NoError(t, err)
	defer func() {
		if err := pg.Teardown(ctx); err != nil {
			t.Logf("failed to teardown container: %v", err)
		}
	}()

	db, err := gorm.Open(postgres.Open(pg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&ratelimit.Counter{}))

	limiter := ratelimit.NewLimiter(db, zap.NewNop())
	window := time.Second

	t.Run("LimitEnforcedWithinWindow", func(t *testing.T) {
		// Pin the clock to mid-window so all consumes share one bucket.
		now := time.Now().UTC().Truncate(window).Add(100 * time.Millisecond)

		for i := 1; i <= 3; i++ {
			decision, err := limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-a", 3, window, now)
			require.NoError(t, err)
			assert.True(t, decision.Allowed)
			assert.Equal(t, i, decision.Count)
		}

		denied, err := limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-a", 3, window, now)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)
		assert.Equal(t, 4, denied.Count)
		assert.Greater(t, denied.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, denied.RetryAfter, window)
	})

	t.Run("WindowResetsCount", func(t *testing.T) {
		now := time.Now().UTC().Truncate(window)

		denied, err := limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-b", 1, window, now)
		require.NoError(t, err)
		assert.True(t, denied.Allowed)

		denied, err = limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-b", 1, window, now)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)

		next := now.Add(window)
		decision, err := limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-b", 1, window, next)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "a new window starts a fresh count")
		assert.Equal(t, 1, decision.Count)
	})

	t.Run("ActorsIsolated", func(t *testing.T) {
		now := time.Now().UTC().Truncate(window).Add(100 * time.Millisecond)

		denied, err := limiter.CheckAndConsume(ctx, "outbound_email", "tenant-c", 1, window, now)
		require.NoError(t, err)
		require.True(t, denied.Allowed)
		denied, err = limiter.CheckAndConsume(ctx, "outbound_email", "tenant-c", 1, window, now)
		require.NoError(t, err)
		require.False(t, denied.Allowed)

		other, err := limiter.CheckAndConsume(ctx, "outbound_email", "tenant-d", 1, window, now)
		require.NoError(t, err)
		assert.True(t, other.Allowed, "counters are per (scope, actor)")
	})

	t.Run("Prune", func(t *testing.T) {
		old := time.Now().UTC().Add(-48 * time.Hour)
		_, err := limiter.CheckAndConsume(ctx, "outbound_sms", "tenant-old", 5, window, old)
		require.NoError(t, err)

		pruned, err := limiter.Prune(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pruned, int64(1))
	})
}
