package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/callkitelabs/callkite-cloud/internal/audit"
	"github.com/callkitelabs/callkite-cloud/pkg/testhelper"
)

func TestRecorder_Integration(t *testing.T) {
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

	require.NoError(t, db.AutoMigrate(&audit.Event{}))

	recorder := audit.NewRecorder(db, zap.NewNop())

	t.Run("TrailOrderedOldestFirst", func(t *testing.T) {
		require.NoError(t, recorder.Record(ctx, 1, "payment_requested", "api", map[string]string{"connector": "stripe"}))
		require.NoError(t, recorder.Record(ctx, 1, "payment_collection_entered", "webhook", nil))
		require.NoError(t, recorder.Record(ctx, 1, "payment_completed", "webhook", map[string]bool{"success": true}))
		require.NoError(t, recorder.Record(ctx, 2, "payment_requested", "api", nil))

		events, err := recorder.ListByCall(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 3, "only call 1's trail")

		assert.Equal(t, "payment_requested", events[0].Action)
		assert.Equal(t, "payment_collection_entered", events[1].Action)
		assert.Equal(t, "payment_completed", events[2].Action)
		assert.JSONEq(t, `{"connector":"stripe"}`, string(events[0].Detail))
	})

	t.Run("LimitCapsTrail", func(t *testing.T) {
		events, err := recorder.ListByCall(ctx, 1, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("UnmarshalableDetailKeepsEvent", func(t *testing.T) {
		require.NoError(t, recorder.Record(ctx, 3, "payment_reconciled", "sweep", func() {}))

		events, err := recorder.ListByCall(ctx, 3, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Empty(t, events[0].Detail, "a bad detail degrades, never drops the event")
	})
}
