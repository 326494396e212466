package taskqueue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the queue surface the worker drives. *Repository implements it.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]Job, error)
	Reschedule(ctx context.Context, jobID int64, runAt time.Time, lastError string) error
	Complete(ctx context.Context, jobID int64, status JobStatus, lastError string) error
	MoveToDLQ(ctx context.Context, job Job, reason DeadLetterReason, lastError string) error
}

// Handler executes one decoded job payload.
type Handler func(ctx context.Context, payload Payload) error

// Worker polls the durable queue, claims due jobs and dispatches them to the
// handler registered for their type. Attempt-budget policy lives here, not in
// the repository: a failed job whose post-claim attempt count reached the
// ceiling goes to the DLQ instead of being rescheduled.
type Worker struct {
	store        Store
	logger       *zap.Logger
	handlers     map[JobType]Handler
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
}

func NewWorker(store Store, logger *zap.Logger, pollInterval time.Duration, batchSize, maxAttempts int, baseDelay time.Duration) *Worker {
	return &Worker{
		store:        store,
		logger:       logger.Named("taskqueue.worker"),
		handlers:     make(map[JobType]Handler),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (w *Worker) Register(jobType JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// Run polls until ctx is cancelled. In-flight jobs finish their current
// attempt; unfinished claims are recovered later by the stale sweep.
func (w *Worker) Run(ctx context.Context) {
	if err := w.processBatch(ctx); err != nil {
		w.logger.Error("initial_poll_failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("poll_failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	jobs, err := w.store.ClaimDue(ctx, w.batchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job Job) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		w.bury(ctx, job, DLQReasonUnknownType, "no handler registered")
		return
	}

	payload, err := Decode(job.JobType, job.Payload)
	if err != nil {
		// Corrupt payloads never become valid; retrying is pointless.
		w.bury(ctx, job, DLQReasonInvalidPayload, err.Error())
		return
	}

	if err := handler(ctx, payload); err != nil {
		w.logger.Warn("job_failed",
			zap.Int64("job_id", job.ID),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)

		if job.Attempts >= w.maxAttempts {
			w.bury(ctx, job, DLQReasonMaxAttempts, err.Error())
			return
		}

		runAt := time.Now().UTC().Add(RetryDelay(job.Attempts, w.baseDelay))
		if err := w.store.Reschedule(ctx, job.ID, runAt, err.Error()); err != nil {
			w.logger.Error("reschedule_failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if err := w.store.Complete(ctx, job.ID, JobStatusCompleted, ""); err != nil {
		w.logger.Error("complete_failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}

	w.logger.Info("job_completed",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
	)
}

func (w *Worker) bury(ctx context.Context, job Job, reason DeadLetterReason, lastError string) {
	if err := w.store.MoveToDLQ(ctx, job, reason, lastError); err != nil {
		w.logger.Error("dlq_move_failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.store.Complete(ctx, job.ID, JobStatusFailed, lastError); err != nil {
		w.logger.Error("dlq_terminal_update_failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	w.logger.Error("job_dead_lettered",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("reason", string(reason)),
	)
}
