package taskqueue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/callkitelabs/callkite-cloud/pkg/snowflake"
)

// Repository owns the jobs and dead_letter_entries tables. Claiming is a
// single transaction so concurrent pollers never double-run a job.
type Repository struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewRepository(db *gorm.DB, node *snowflake.Node) *Repository {
	return &Repository{db: db, node: node}
}

// Enqueue inserts a pending job due at runAt (or immediately when zero).
func (r *Repository) Enqueue(ctx context.Context, jobType JobType, payload []byte, runAt time.Time) (int64, error) {
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	job := Job{
		ID:        r.node.GenerateID(),
		JobType:   jobType,
		Payload:   payload,
		Status:    JobStatusPending,
		RunAt:     runAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return job.ID, nil
}

// ClaimDue atomically selects up to limit due pending jobs, flips them to
// running and increments attempts. The returned jobs carry the post-increment
// attempt count so the caller can apply its attempt-budget policy.
func (r *Repository) ClaimDue(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM jobs
			 WHERE status = ?
			   AND run_at <= ?
			 ORDER BY run_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			JobStatusPending,
			now,
			limit,
		).Scan(&jobs).Error; err != nil {
			return err
		}

		if len(jobs) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(jobs))
		for i := range jobs {
			ids = append(ids, jobs[i].ID)
			jobs[i].Attempts++
			jobs[i].Status = JobStatusRunning
		}

		return tx.Model(&Job{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     JobStatusRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"locked_at":  now,
				"updated_at": now,
			}).Error
	})

	return jobs, err
}

// Reschedule returns a job to pending with a new due time, recording the
// failure that caused the retry.
func (r *Repository) Reschedule(ctx context.Context, jobID int64, runAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     JobStatusPending,
			"run_at":     runAt.UTC(),
			"last_error": lastError,
			"locked_at":  nil,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Complete moves a job to a terminal status.
func (r *Repository) Complete(ctx context.Context, jobID int64, status JobStatus, lastError string) error {
	if status != JobStatusCompleted && status != JobStatusFailed {
		return fmt.Errorf("non-terminal status: %s", status)
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       status,
			"last_error":   lastError,
			"completed_at": now,
			"locked_at":    nil,
			"updated_at":   now,
		}).Error
}

// ReclaimStale requeues running jobs whose claim predates the staleness
// cutoff. A worker that crashed between claim and completion leaves its jobs
// running forever otherwise, so this sweep is required behavior.
func (r *Repository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)

	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND locked_at < ?", JobStatusRunning, cutoff).
		Updates(map[string]any{
			"status":     JobStatusPending,
			"locked_at":  nil,
			"last_error": "reclaimed: worker abandoned claim",
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MoveToDLQ records a job that exhausted its attempt budget. The upsert is
// keyed by job_id and always leaves the entry open, so moving the same job
// twice cannot create duplicates or resurrect a replayed entry's history.
func (r *Repository) MoveToDLQ(ctx context.Context, job Job, reason DeadLetterReason, lastError string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Exec(
		`INSERT INTO dead_letter_entries
		   (id, job_id, job_type, payload, attempts, dead_letter_reason, last_error, status, replay_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET
		   attempts = EXCLUDED.attempts,
		   dead_letter_reason = EXCLUDED.dead_letter_reason,
		   last_error = EXCLUDED.last_error,
		   status = ?,
		   updated_at = EXCLUDED.updated_at`,
		r.node.GenerateID(), job.ID, job.JobType, job.Payload, job.Attempts,
		reason, lastError, DLQStatusOpen, now, now,
		DLQStatusOpen,
	).Error
	if err != nil {
		return fmt.Errorf("move job %d to dlq: %w", job.ID, err)
	}
	return nil
}

// ListDLQ pages through dead-letter entries, newest first.
func (r *Repository) ListDLQ(ctx context.Context, status DeadLetterStatus, limit, offset int) ([]DeadLetterEntry, error) {
	query := r.db.WithContext(ctx).Order("created_at desc")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var entries []DeadLetterEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkReplayed links a DLQ entry to the job its replay enqueued.
func (r *Repository) MarkReplayed(ctx context.Context, dlqID, newJobID int64) error {
	return r.db.WithContext(ctx).Model(&DeadLetterEntry{}).
		Where("id = ?", dlqID).
		Updates(map[string]any{
			"status":             DLQStatusReplayed,
			"replay_count":       gorm.Expr("replay_count + 1"),
			"last_replay_job_id": newJobID,
			"updated_at":         time.Now().UTC(),
		}).Error
}

// Replay re-enqueues a dead-lettered job as a fresh job. A failure at any
// step leaves the entry open so an operator can retry the replay.
func (r *Repository) Replay(ctx context.Context, dlqID int64) (int64, error) {
	var entry DeadLetterEntry
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", dlqID).Error; err != nil {
		return 0, fmt.Errorf("load dlq entry %d: %w", dlqID, err)
	}

	newJobID, err := r.Enqueue(ctx, entry.JobType, entry.Payload, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("replay dlq entry %d: %w", dlqID, err)
	}

	if err := r.MarkReplayed(ctx, dlqID, newJobID); err != nil {
		return 0, fmt.Errorf("mark dlq entry %d replayed: %w", dlqID, err)
	}

	return newJobID, nil
}
