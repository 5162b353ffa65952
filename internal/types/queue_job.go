package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	QueueJobStatusQueued  = "queued"
	QueueJobStatusRunning = "running"
	QueueJobStatusDone    = "done"
	QueueJobStatusDead    = "dead"
)

// QueueJob is one durable delivery unit. Jobs sharing an ordering key are
// never delivered concurrently.
type QueueJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	OrderingKey string         `gorm:"column:ordering_key;not null;index" json:"ordering_key"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`

	Status   string `gorm:"column:status;not null;index" json:"status"`
	Attempts int    `gorm:"column:attempts;not null;default:0" json:"attempts"`

	AvailableAt   time.Time  `gorm:"column:available_at;not null;index" json:"available_at"`
	LockedAt      *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	AckDeadlineAt *time.Time `gorm:"column:ack_deadline_at;index" json:"ack_deadline_at,omitempty"`
	LastError     string     `gorm:"column:last_error" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue_job" }

// DeadLetterJob is a copy of a job that exhausted its delivery budget,
// kept for manual inspection.
type DeadLetterJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	OrderingKey string         `gorm:"column:ordering_key;not null;index" json:"ordering_key"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Attempts    int            `gorm:"column:attempts;not null" json:"attempts"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (DeadLetterJob) TableName() string { return "dead_letter_job" }
