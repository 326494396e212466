package sendqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/callkitelabs/callkite-cloud/pkg/snowflake"
)

// Repository owns the queued_messages table.
type Repository struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewRepository(db *gorm.DB, node *snowflake.Node) *Repository {
	return &Repository{db: db, node: node}
}

// Enqueue inserts a message scheduled at scheduledAt (or now when zero).
func (r *Repository) Enqueue(ctx context.Context, msg *QueuedMessage) (int64, error) {
	now := time.Now().UTC()
	msg.ID = r.node.GenerateID()
	msg.Status = StatusQueued
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = now
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = 3
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return 0, fmt.Errorf("enqueue %s message: %w", msg.MessageType, err)
	}
	return msg.ID, nil
}

// ClaimBatch stamps a caller-unique lease token onto up to limit eligible
// rows and returns exactly those rows. Eligible rows are due queued/retry
// messages, plus sending rows whose last attempt is older than staleSending —
// the second clause is what recovers work from a crashed sender. The UPDATE's
// row selection happens once, atomically, so concurrent claimers can never
// receive overlapping batches.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, lease, staleSending time.Duration) ([]QueuedMessage, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(lease)
	staleCutoff := now.Add(-staleSending)

	res := r.db.WithContext(ctx).Exec(
		`UPDATE queued_messages
		 SET queue_lock_token = ?,
		     queue_lock_expires_at = ?,
		     status = ?,
		     last_attempt_at = ?,
		     updated_at = ?
		 WHERE id IN (
		   SELECT id FROM queued_messages
		   WHERE (
		     status IN (?, ?)
		     AND scheduled_at <= ?
		     AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   ) OR (
		     status = ?
		     AND last_attempt_at < ?
		   )
		   ORDER BY priority ASC, scheduled_at ASC
		   LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )`,
		token, expiresAt, StatusSending, now, now,
		StatusQueued, StatusRetry, now, now,
		StatusSending, staleCutoff,
		limit,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("claim batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var messages []QueuedMessage
	if err := r.db.WithContext(ctx).
		Where("queue_lock_token = ?", token).
		Order("priority asc, scheduled_at asc").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("fetch claimed batch: %w", err)
	}
	return messages, nil
}

// ReleaseClaim clears the lease on a message. With a non-empty token the
// release only applies while the caller still holds the lease, so a slow
// worker cannot strip a lease another claimer has since taken over.
func (r *Repository) ReleaseClaim(ctx context.Context, id int64, token string) error {
	query := r.db.WithContext(ctx).Model(&QueuedMessage{}).Where("id = ?", id)
	if token != "" {
		query = query.Where("queue_lock_token = ?", token)
	}
	return query.Updates(map[string]any{
		"queue_lock_token":      nil,
		"queue_lock_expires_at": nil,
		"status":                StatusQueued,
		"updated_at":            time.Now().UTC(),
	}).Error
}

// MarkSent records a successful provider hand-off and drops the lease.
func (r *Repository) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":                StatusSent,
			"provider_message_id":   providerMessageID,
			"sent_at":               now,
			"queue_lock_token":      nil,
			"queue_lock_expires_at": nil,
			"last_error":            "",
			"updated_at":            now,
		}).Error
}

// MarkDelivered records the provider's delivery receipt.
func (r *Repository) MarkDelivered(ctx context.Context, providerMessageID string) error {
	return r.db.WithContext(ctx).Model(&QueuedMessage{}).
		Where("provider_message_id = ? AND status = ?", providerMessageID, StatusSent).
		Updates(map[string]any{
			"status":     StatusDelivered,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkFailed schedules a retry or fails the message terminally once the retry
// budget is spent. The lease is dropped either way.
func (r *Repository) MarkFailed(ctx context.Context, msg QueuedMessage, sendErr string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"retry_count":           msg.RetryCount + 1,
		"last_error":            sendErr,
		"queue_lock_token":      nil,
		"queue_lock_expires_at": nil,
		"updated_at":            now,
	}
	if msg.RetryCount+1 > msg.MaxRetries {
		updates["status"] = StatusFailed
	} else {
		updates["status"] = StatusRetry
		updates["next_attempt_at"] = nextAttemptAt.UTC()
	}
	return r.db.WithContext(ctx).Model(&QueuedMessage{}).
		Where("id = ?", msg.ID).
		Updates(updates).Error
}

// Defer pushes a claimed message back to retry without spending a retry
// attempt, used when the outbound rate limiter denies the send.
func (r *Repository) Defer(ctx context.Context, id int64, token string, nextAttemptAt time.Time) error {
	return r.db.WithContext(ctx).Model(&QueuedMessage{}).
		Where("id = ? AND queue_lock_token = ?", id, token).
		Updates(map[string]any{
			"status":                StatusRetry,
			"next_attempt_at":       nextAttemptAt.UTC(),
			"queue_lock_token":      nil,
			"queue_lock_expires_at": nil,
			"updated_at":            time.Now().UTC(),
		}).Error
}
