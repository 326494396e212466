package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// JobReclaimer requeues jobs abandoned mid-claim by a dead worker.
type JobReclaimer interface {
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// CounterPruner deletes rate-limit windows that can no longer influence a
// decision.
type CounterPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// QueueReconciler is the housekeeping sweep for the durable queues: stale
// running jobs go back to pending, aged rate-limit counters are deleted.
type QueueReconciler struct {
	jobs       JobReclaimer
	counters   CounterPruner
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
}

func NewQueueReconciler(jobs JobReclaimer, counters CounterPruner, staleAfter time.Duration, logger *zap.Logger) *QueueReconciler {
	return &QueueReconciler{
		jobs:       jobs,
		counters:   counters,
		logger:     logger.Named("queue.reconciler"),
		interval:   30 * time.Second,
		staleAfter: staleAfter,
	}
}

func (r *QueueReconciler) Run(ctx context.Context) {
	if err := r.reconcile(ctx); err != nil {
		r.logger.Error("reconcile_initial_failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Error("reconcile_failed", zap.Error(err))
			}
		}
	}
}

func (r *QueueReconciler) reconcile(ctx context.Context) error {
	reclaimed, err := r.jobs.ReclaimStale(ctx, r.staleAfter)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.logger.Warn("stale_jobs_reclaimed", zap.Int64("count", reclaimed))
	}

	pruned, err := r.counters.Prune(ctx, 24*time.Hour)
	if err != nil {
		r.logger.Warn("counter_prune_failed", zap.Error(err))
		return nil
	}
	if pruned > 0 {
		r.logger.Info("rate_counters_pruned", zap.Int64("count", pruned))
	}
	return nil
}
