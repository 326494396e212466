package taskqueue

import "time"

type JobType string

const (
	JobTypeCallFollowUp      JobType = "call_followup"
	JobTypeScheduledCallback JobType = "scheduled_callback"
	JobTypePaymentReconcile  JobType = "payment_reconcile"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a durable fire-and-forget unit of background work. A job moves
// pending -> running only through an atomic claim that also increments
// Attempts; running jobs with no terminal update are abandoned worker state
// and are requeued by the stale sweep.
type Job struct {
	ID          int64      `gorm:"primaryKey"`
	JobType     JobType    `gorm:"type:varchar(64);not null;index"`
	Payload     []byte     `gorm:"type:jsonb"`
	Status      JobStatus  `gorm:"type:varchar(20);not null;index:idx_jobs_status_run_at"`
	RunAt       time.Time  `gorm:"not null;index:idx_jobs_status_run_at"`
	Attempts    int        `gorm:"not null;default:0"`
	LastError   string     `gorm:"type:text"`
	LockedAt    *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string {
	return "jobs"
}

type DeadLetterReason string

const (
	DLQReasonMaxAttempts    DeadLetterReason = "max_attempts_exceeded"
	DLQReasonInvalidPayload DeadLetterReason = "invalid_payload"
	DLQReasonUnknownType    DeadLetterReason = "unknown_job_type"
)

type DeadLetterStatus string

const (
	DLQStatusOpen     DeadLetterStatus = "open"
	DLQStatusReplayed DeadLetterStatus = "replayed"
)

// DeadLetterEntry stores a job that exhausted its attempt budget, awaiting
// operator or automated replay. Keyed by JobID so moving the same job twice
// stays a single entry.
type DeadLetterEntry struct {
	ID               int64            `gorm:"primaryKey"`
	JobID            int64            `gorm:"uniqueIndex;not null"`
	JobType          JobType          `gorm:"type:varchar(64);not null"`
	Payload          []byte           `gorm:"type:jsonb"`
	Attempts         int              `gorm:"not null"`
	DeadLetterReason DeadLetterReason `gorm:"type:varchar(64);not null"`
	LastError        string           `gorm:"type:text"`
	Status           DeadLetterStatus `gorm:"type:varchar(16);not null;index"`
	ReplayCount      int              `gorm:"not null;default:0"`
	LastReplayJobID  *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (DeadLetterEntry) TableName() string {
	return "dead_letter_entries"
}
