package sendqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/ratelimit"
)

// Store is the queue surface the sender drives. *Repository implements it.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, lease, staleSending time.Duration) ([]QueuedMessage, error)
	MarkSent(ctx context.Context, id int64, providerMessageID string) error
	MarkFailed(ctx context.Context, msg QueuedMessage, sendErr string, nextAttemptAt time.Time) error
	Defer(ctx context.Context, id int64, token string, nextAttemptAt time.Time) error
}

// Dispatcher hands one message to the communication provider.
type Dispatcher interface {
	SendSMS(ctx context.Context, hostname, recipient string, body []byte) (string, error)
	SendEmail(ctx context.Context, hostname, recipient, subject string, body []byte) (string, error)
	PostWebhook(ctx context.Context, url string, body []byte) (string, error)
}

// RateLimiter is the authoritative outbound budget check.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, scope, actorKey string, limit int, window time.Duration, now time.Time) (ratelimit.Decision, error)
}

// Config tunes one sender loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	StaleSending time.Duration
	RetryDelay   time.Duration
	RateLimit    int
	RateWindow   time.Duration
}

// Worker claims lease batches and pushes them to the provider. The lease must
// stay shorter than the provider call's timeout budget, otherwise a send can
// finish after its lease went stale and be claimed twice.
type Worker struct {
	store      Store
	dispatcher Dispatcher
	limiter    RateLimiter
	logger     *zap.Logger
	cfg        Config
}

func NewWorker(store Store, dispatcher Dispatcher, limiter RateLimiter, logger *zap.Logger, cfg Config) *Worker {
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		limiter:    limiter,
		logger:     logger.Named("sendqueue.worker"),
		cfg:        cfg,
	}
}

// Run polls until ctx is cancelled. Claims in flight finish; unreleased
// leases expire naturally and are reclaimed by the next claimer.
func (w *Worker) Run(ctx context.Context) {
	if err := w.processBatch(ctx); err != nil {
		w.logger.Error("initial_poll_failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
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
	messages, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize, w.cfg.Lease, w.cfg.StaleSending)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		w.processMessage(ctx, msg)
	}
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg QueuedMessage) {
	now := time.Now().UTC()

	scope := "outbound_" + string(msg.MessageType)
	decision, err := w.limiter.CheckAndConsume(ctx, scope, msg.Hostname, w.cfg.RateLimit, w.cfg.RateWindow, now)
	if err != nil {
		// The budget check is authoritative; without it the send waits.
		w.logger.Error("rate_check_failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		w.deferMessage(ctx, msg, now.Add(w.cfg.RetryDelay))
		return
	}
	if !decision.Allowed {
		w.deferMessage(ctx, msg, now.Add(decision.RetryAfter))
		return
	}

	providerMessageID, sendErr := w.dispatch(ctx, msg)
	if sendErr != nil {
		w.logger.Warn("send_failed",
			zap.Int64("message_id", msg.ID),
			zap.String("message_type", string(msg.MessageType)),
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(sendErr),
		)
		if err := w.store.MarkFailed(ctx, msg, sendErr.Error(), now.Add(w.cfg.RetryDelay)); err != nil {
			w.logger.Error("mark_failed_error", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		return
	}

	if err := w.store.MarkSent(ctx, msg.ID, providerMessageID); err != nil {
		w.logger.Error("mark_sent_error", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}

	w.logger.Info("message_sent",
		zap.Int64("message_id", msg.ID),
		zap.String("message_type", string(msg.MessageType)),
		zap.String("provider_message_id", providerMessageID),
	)
}

func (w *Worker) dispatch(ctx context.Context, msg QueuedMessage) (string, error) {
	switch msg.MessageType {
	case MessageTypeSMS:
		return w.dispatcher.SendSMS(ctx, msg.Hostname, msg.Recipient, msg.Body)
	case MessageTypeEmail:
		return w.dispatcher.SendEmail(ctx, msg.Hostname, msg.Recipient, msg.Subject, msg.Body)
	case MessageTypeWebhook:
		return w.dispatcher.PostWebhook(ctx, msg.Recipient, msg.Body)
	default:
		// A bad row must burn its retry budget into failed, not reach a
		// customer as SMS.
		return "", fmt.Errorf("unknown message type: %s", msg.MessageType)
	}
}

func (w *Worker) deferMessage(ctx context.Context, msg QueuedMessage, nextAttemptAt time.Time) {
	token := ""
	if msg.QueueLockToken != nil {
		token = *msg.QueueLockToken
	}
	if err := w.store.Defer(ctx, msg.ID, token, nextAttemptAt); err != nil {
		w.logger.Error("defer_failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}
