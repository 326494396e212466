package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event is one durable audit record for a payment transition. Webhook-driven
// transitions must leave a trail that survives process restarts.
type Event struct {
	ID        int64  `gorm:"primaryKey"`
	CallID    int64  `gorm:"index;not null"`
	Action    string `gorm:"type:varchar(64);not null"`
	Source    string `gorm:"type:varchar(64)"`
	Detail    []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (Event) TableName() string {
	return "audit_events"
}

type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRecorder(db *gorm.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, logger: logger.Named("audit")}
}

// Record persists one audit event. Detail is marshalled to JSON; a marshal
// failure degrades to an event without detail rather than losing the trail.
func (r *Recorder) Record(ctx context.Context, callID int64, action, source string, detail any) error {
	var raw []byte
	if detail != nil {
		var err error
		raw, err = json.Marshal(detail)
		if err != nil {
			r.logger.Warn("audit_detail_marshal_failed", zap.String("action", action), zap.Error(err))
			raw = nil
		}
	}

	event := Event{
		CallID:    callID,
		Action:    action,
		Source:    source,
		Detail:    raw,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&event).Error
}

// ListByCall returns the audit trail for one call, oldest first.
func (r *Recorder) ListByCall(ctx context.Context, callID int64, limit int) ([]Event, error) {
	query := r.db.WithContext(ctx).Where("call_id = ?", callID).Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
