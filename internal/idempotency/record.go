package idempotency

import "time"

// RecordStatus tracks whether the guarded side effect finished, and how.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusOK      RecordStatus = "ok"
	StatusFailed  RecordStatus = "failed"
)

// Record is the reserve-then-resolve ledger row. The first caller to insert
// a key owns the side effect; everyone else reads the cached outcome.
type Record struct {
	ID              int64        `gorm:"primaryKey"`
	IdempotencyKey  string       `gorm:"uniqueIndex;type:varchar(191);not null"`
	Source          string       `gorm:"type:varchar(64)"`
	Status          RecordStatus `gorm:"type:varchar(16);not null;index"`
	ResponsePayload []byte       `gorm:"type:jsonb"`
	ErrorMessage    string       `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Record) TableName() string {
	return "idempotency_records"
}

// EventGuard is the pure-dedupe row for generic provider events. Existence
// blocks reprocessing until the TTL expires.
type EventGuard struct {
	ID          int64     `gorm:"primaryKey"`
	EventKey    string    `gorm:"uniqueIndex;type:varchar(191);not null"`
	Source      string    `gorm:"type:varchar(64);not null"`
	PayloadHash string    `gorm:"type:varchar(128);not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

func (EventGuard) TableName() string {
	return "provider_event_guards"
}
