package idempotency_test

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

	"github.com/callkitelabs/callkite-cloud/internal/idempotency"
	"github.com/callkitelabs/callkite-cloud/pkg/testhelper"
)

func TestGuard_Integration(t *testing.T) {
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

	require.NoError(t, db.AutoMigrate(&idempotency.Record{}, &idempotency.EventGuard{}))

	guard := idempotency.NewGuard(db, zap.NewNop())

	t.Run("FirstReservationWins", func(t *testing.T) {
		reserved, err := guard.Reserve(ctx, "op:1", "test")
		require.NoError(t, err)
		assert.True(t, reserved)

		again, err := guard.Reserve(ctx, "op:1", "test")
		require.NoError(t, err)
		assert.False(t, again)

		record, err := guard.Get(ctx, "op:1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, idempotency.StatusPending, record.Status)
	})

	t.Run("CompleteCachesFirstPayload", func(t *testing.T) {
		reserved, err := guard.Reserve(ctx, "op:2", "test")
		require.NoError(t, err)
		require.True(t, reserved)

		require.NoError(t, guard.Complete(ctx, "op:2", idempotency.StatusOK, []byte(`{"success":true}`), ""))
		// A later completion cannot erase the cached payload.
		require.NoError(t, guard.Complete(ctx, "op:2", idempotency.StatusOK, []byte(`{"success":false}`), ""))

		record, err := guard.Get(ctx, "op:2")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, idempotency.StatusOK, record.Status)
		assert.JSONEq(t, `{"success":true}`, string(record.ResponsePayload))
	})

	t.Run("CompleteWithoutReservation", func(t *testing.T) {
		require.NoError(t, guard.Complete(ctx, "op:3", idempotency.StatusFailed, nil, "unexpected_state"))

		record, err := guard.Get(ctx, "op:3")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, idempotency.StatusFailed, record.Status)
		assert.Equal(t, "unexpected_state", record.ErrorMessage)
	})

	t.Run("GetAbsentKey", func(t *testing.T) {
		record, err := guard.Get(ctx, "op:missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("ReserveEventDedupes", func(t *testing.T) {
		fresh, err := guard.ReserveEvent(ctx, "provider", "hash-a", "evt-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, fresh)

		replay, err := guard.ReserveEvent(ctx, "provider", "hash-a", "evt-1", time.Hour)
		require.NoError(t, err)
		assert.False(t, replay)
	})

	t.Run("ReserveEventDerivesKey", func(t *testing.T) {
		fresh, err := guard.ReserveEvent(ctx, "provider", "hash-b", "", time.Hour)
		require.NoError(t, err)
		assert.True(t, fresh)

		var row idempotency.EventGuard
		require.NoError(t, db.First(&row, "event_key = ?", "provider:hash-b").Error)
	})

	t.Run("ExpiredEventsSwept", func(t *testing.T) {
		fresh, err := guard.ReserveEvent(ctx, "provider", "hash-c", "evt-2", time.Hour)
		require.NoError(t, err)
		require.True(t, fresh)

		// Force-expire the row; the next reserve sweeps it and succeeds.
		require.NoError(t, db.Model(&idempotency.EventGuard{}).
			Where("event_key = ?", "evt-2").
			Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

		again, err := guard.ReserveEvent(ctx, "provider", "hash-c", "evt-2", time.Hour)
		require.NoError(t, err)
		assert.True(t, again)
	})

	t.Run("TTLClamped", func(t *testing.T) {
		fresh, err := guard.ReserveEvent(ctx, "provider", "hash-d", "evt-3", 100*time.Hour)
		require.NoError(t, err)
		require.True(t, fresh)

		var row idempotency.EventGuard
		require.NoError(t, db.First(&row, "event_key = ?", "evt-3").Error)
		assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), row.ExpiresAt, time.Minute)
	})
}
