package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/domain/call"
	"github.com/callkitelabs/callkite-cloud/internal/taskqueue"
)

// PaymentLister surfaces in-progress sessions that missed their provider
// callback.
type PaymentLister interface {
	StalePayments(ctx context.Context, window time.Duration, limit int) ([]*call.Call, error)
}

// Enqueuer is the durable queue the sweep hands stuck sessions to.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType taskqueue.JobType, payload []byte, runAt time.Time) (int64, error)
}

// PaymentReconciler finds payment sessions stuck in requested or active past
// the configured window and enqueues a reconcile job for each. The job, not
// the sweep, performs the force-close so the closure gets the queue's retry
// semantics. Re-enqueueing a session across sweeps is harmless: reconcile is
// a no-op once the session is terminal.
type PaymentReconciler struct {
	payments  PaymentLister
	jobs      Enqueuer
	logger    *zap.Logger
	interval  time.Duration
	window    time.Duration
	batchSize int
}

func NewPaymentReconciler(payments PaymentLister, jobs Enqueuer, window time.Duration, logger *zap.Logger) *PaymentReconciler {
	return &PaymentReconciler{
		payments:  payments,
		jobs:      jobs,
		logger:    logger.Named("payment.reconciler"),
		interval:  time.Minute,
		window:    window,
		batchSize: 50,
	}
}

func (r *PaymentReconciler) Run(ctx context.Context) {
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

func (r *PaymentReconciler) reconcile(ctx context.Context) error {
	stale, err := r.payments.StalePayments(ctx, r.window, r.batchSize)
	if err != nil {
		return err
	}

	for _, c := range stale {
		raw, err := taskqueue.Encode(taskqueue.PaymentReconcilePayload{
			CallID: c.ID,
			Reason: "provider_never_called_back",
		})
		if err != nil {
			r.logger.Error("encode_reconcile_payload_failed", zap.Int64("call_id", c.ID), zap.Error(err))
			continue
		}
		if _, err := r.jobs.Enqueue(ctx, taskqueue.JobTypePaymentReconcile, raw, time.Now().UTC()); err != nil {
			r.logger.Warn("enqueue_reconcile_failed", zap.Int64("call_id", c.ID), zap.Error(err))
			continue
		}
		r.logger.Info("stale_payment_enqueued",
			zap.Int64("call_id", c.ID),
			zap.String("state", string(c.PaymentState)),
		)
	}
	return nil
}
