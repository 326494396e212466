package sendqueue

import "time"

type MessageType string

const (
	MessageTypeSMS     MessageType = "sms"
	MessageTypeEmail   MessageType = "email"
	MessageTypeWebhook MessageType = "webhook"
)

type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusRetry     MessageStatus = "retry"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Priority tiers. Lower sorts first; webhook notifications ride the same
// queue as messages and use tiers to jump ahead of bulk sends.
const (
	PriorityHigh   = 0
	PriorityNormal = 5
	PriorityBulk   = 9
)

// QueuedMessage is one outbound send unit. At most one non-expired lock token
// may be held per message at any instant; the token plus expiry is what lets
// many sender loops pull batches without double-sending.
type QueuedMessage struct {
	ID          int64       `gorm:"primaryKey"`
	MessageType MessageType `gorm:"type:varchar(16);not null;index"`
	Hostname    string      `gorm:"type:varchar(255);index"`
	Recipient   string      `gorm:"type:varchar(255);not null"`
	Subject     string      `gorm:"type:varchar(255)"`
	Body        []byte      `gorm:"type:jsonb"`
	Priority    int         `gorm:"not null;default:5;index:idx_queued_messages_claim"`

	Status        MessageStatus `gorm:"type:varchar(16);not null;index:idx_queued_messages_claim"`
	ScheduledAt   time.Time     `gorm:"not null"`
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
	RetryCount    int `gorm:"not null;default:0"`
	MaxRetries    int `gorm:"not null;default:3"`

	QueueLockToken     *string `gorm:"type:varchar(64);index"`
	QueueLockExpiresAt *time.Time

	ProviderMessageID string `gorm:"type:varchar(128)"`
	LastError         string `gorm:"type:text"`
	SentAt            *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (QueuedMessage) TableName() string {
	return "queued_messages"
}
