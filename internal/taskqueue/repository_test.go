package taskqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/callkitelabs/callkite-cloud/internal/taskqueue"
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

	require.NoError(t, db.AutoMigrate(&taskqueue.Job{}, &taskqueue.DeadLetterEntry{}))

	node, err := snowflake.NewNode()
	require.NoError(t, err)
	repo := taskqueue.NewRepository(db, node)

	encode := func(p taskqueue.Payload) []byte {
		raw, err := taskqueue.Encode(p)
		require.NoError(t, err)
		return raw
	}

	t.Run("ClaimIncrementsAttempts", func(t *testing.T) {
		jobID, err := repo.Enqueue(ctx, taskqueue.JobTypeCallFollowUp,
			encode(taskqueue.CallFollowUpPayload{CallID: 1, PhoneNumber: "+15550100"}), time.Time{})
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, jobID, claimed[0].ID)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.Equal(t, taskqueue.JobStatusRunning, claimed[0].Status)

		// Running jobs are invisible to further claims.
		again, err := repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		// A reschedule-claim cycle keeps the count monotonic.
		require.NoError(t, repo.Reschedule(ctx, jobID, time.Now().UTC().Add(-time.Second), "boom"))
		claimed, err = repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)

		require.NoError(t, repo.Complete(ctx, jobID, taskqueue.JobStatusCompleted, ""))
		var job taskqueue.Job
		require.NoError(t, db.First(&job, "id = ?", jobID).Error)
		assert.Equal(t, taskqueue.JobStatusCompleted, job.Status)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("FutureJobsNotClaimed", func(t *testing.T) {
		_, err := repo.Enqueue(ctx, taskqueue.JobTypeScheduledCallback,
			encode(taskqueue.ScheduledCallbackPayload{CallID: 2, PhoneNumber: "+15550101"}),
			time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		jobID, err := repo.Enqueue(ctx, taskqueue.JobTypePaymentReconcile,
			encode(taskqueue.PaymentReconcilePayload{CallID: 3, Reason: "test"}), time.Time{})
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Backdate the claim so the sweep sees it as abandoned.
		old := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, db.Model(&taskqueue.Job{}).Where("id = ?", jobID).
			Update("locked_at", old).Error)

		reclaimed, err := repo.ReclaimStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reclaimed)

		claimed, err = repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, jobID, claimed[0].ID)
		assert.Equal(t, 2, claimed[0].Attempts)

		require.NoError(t, repo.Complete(ctx, jobID, taskqueue.JobStatusFailed, "done with it"))
	})

	t.Run("DLQInsertIdempotentByJobID", func(t *testing.T) {
		jobID, err := repo.Enqueue(ctx, taskqueue.JobTypeCallFollowUp,
			encode(taskqueue.CallFollowUpPayload{CallID: 4, PhoneNumber: "+15550102"}), time.Time{})
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		job := claimed[0]

		require.NoError(t, repo.MoveToDLQ(ctx, job, taskqueue.DLQReasonMaxAttempts, "first"))
		require.NoError(t, repo.MoveToDLQ(ctx, job, taskqueue.DLQReasonMaxAttempts, "second"))
		require.NoError(t, repo.Complete(ctx, jobID, taskqueue.JobStatusFailed, "second"))

		var count int64
		require.NoError(t, db.Model(&taskqueue.DeadLetterEntry{}).
			Where("job_id = ?", jobID).Count(&count).Error)
		assert.Equal(t, int64(1), count)

		entries, err := repo.ListDLQ(ctx, taskqueue.DLQStatusOpen, 10, 0)
		require.NoError(t, err)
		require.NotEmpty(t, entries)

		var entry taskqueue.DeadLetterEntry
		require.NoError(t, db.First(&entry, "job_id = ?", jobID).Error)
		assert.Equal(t, "second", entry.LastError)

		newJobID, err := repo.Replay(ctx, entry.ID)
		require.NoError(t, err)
		assert.NotEqual(t, jobID, newJobID)

		require.NoError(t, db.First(&entry, "job_id = ?", jobID).Error)
		assert.Equal(t, taskqueue.DLQStatusReplayed, entry.Status)
		assert.Equal(t, 1, entry.ReplayCount)
		require.NotNil(t, entry.LastReplayJobID)
		assert.Equal(t, newJobID, *entry.LastReplayJobID)

		// Replayed job is claimable as a fresh attempt chain.
		claimed, err = repo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, newJobID, claimed[0].ID)
		assert.Equal(t, 1, claimed[0].Attempts)
		require.NoError(t, repo.Complete(ctx, newJobID, taskqueue.JobStatusCompleted, ""))
	})
}
