package sendqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/callkitelabs/callkite-cloud/internal/sendqueue"
	"github.com/callkitelabs/callkite-cloud/pkg/snowflake"
	"github.com/callkitelabs/callkite-cloud/pkg/testhelper"
)

func TestRepository_Integration(t *testing.T) {
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

	require.NoError(t, db.AutoMigrate(&sendqueue.QueuedMessage{}))

	node, err := snowflake.NewNode()
	require.NoError(t, err)
	repo := sendqueue.NewRepository(db, node)

	lease := 30 * time.Second
	staleSending := 5 * time.Minute

	drain := func() {
		require.NoError(t, db.Exec("DELETE FROM queued_messages").Error)
	}

	t.Run("ClaimOrdersByPriorityThenDueTime", func(t *testing.T) {
		drain()
		early := time.Now().UTC().Add(-2 * time.Minute)
		late := time.Now().UTC().Add(-time.Minute)

		bulkID, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeSMS, Recipient: "+15550100",
			Priority: sendqueue.PriorityBulk, ScheduledAt: early,
		})
		require.NoError(t, err)
		highID, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeWebhook, Recipient: "https://tenant.example.com/hook",
			Priority: sendqueue.PriorityHigh, ScheduledAt: late,
		})
		require.NoError(t, err)

		claimed, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, highID, claimed[0].ID, "priority tier outranks due time")
		assert.Equal(t, bulkID, claimed[1].ID)

		for _, msg := range claimed {
			assert.Equal(t, sendqueue.StatusSending, msg.Status)
			require.NotNil(t, msg.QueueLockToken)
			require.NotNil(t, msg.QueueLockExpiresAt)
		}
	})

	t.Run("ClaimExclusivity", func(t *testing.T) {
		drain()
		id, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeSMS, Recipient: "+15550101",
		})
		require.NoError(t, err)

		first, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		assert.Empty(t, second, "a live lease blocks every other claimer")

		token := *first[0].QueueLockToken
		require.NoError(t, repo.ReleaseClaim(ctx, id, token))

		third, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, third, 1)
		assert.NotEqual(t, token, *third[0].QueueLockToken, "every claim mints a new token")
	})

	t.Run("TerminalRowsNeverReclaimed", func(t *testing.T) {
		drain()
		id, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeEmail, Recipient: "ops@tenant.example.com", Subject: "hi",
		})
		require.NoError(t, err)

		claimed, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, repo.MarkSent(ctx, id, "pm_123"))

		// Even with the stale-sending cutoff in the past, sent rows stay out.
		again, err := repo.ClaimBatch(ctx, 10, lease, time.Nanosecond)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, repo.MarkDelivered(ctx, "pm_123"))
		var msg sendqueue.QueuedMessage
		require.NoError(t, db.First(&msg, "id = ?", id).Error)
		assert.Equal(t, sendqueue.StatusDelivered, msg.Status)
	})

	t.Run("StaleSendingReclaimed", func(t *testing.T) {
		drain()
		id, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeSMS, Recipient: "+15550102",
		})
		require.NoError(t, err)

		claimed, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Backdate the attempt so the row looks abandoned mid-send.
		old := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, db.Model(&sendqueue.QueuedMessage{}).Where("id = ?", id).
			Update("last_attempt_at", old).Error)

		reclaimed, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, id, reclaimed[0].ID)
	})

	t.Run("RetryBudget", func(t *testing.T) {
		drain()
		id, err := repo.Enqueue(ctx, &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeSMS, Recipient: "+15550103", MaxRetries: 1,
		})
		require.NoError(t, err)

		claimed, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, repo.MarkFailed(ctx, claimed[0], "timeout", time.Now().UTC().Add(-time.Second)))

		var msg sendqueue.QueuedMessage
		require.NoError(t, db.First(&msg, "id = ?", id).Error)
		assert.Equal(t, sendqueue.StatusRetry, msg.Status)
		assert.Equal(t, 1, msg.RetryCount)

		claimed, err = repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, repo.MarkFailed(ctx, claimed[0], "timeout", time.Now().UTC().Add(-time.Second)))

		require.NoError(t, db.First(&msg, "id = ?", id).Error)
		assert.Equal(t, sendqueue.StatusFailed, msg.Status)
		assert.Equal(t, 2, msg.RetryCount)

		gone, err := repo.ClaimBatch(ctx, 10, lease, staleSending)
		require.NoError(t, err)
		assert.Empty(t, gone)
	})
}
