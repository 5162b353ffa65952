package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Request lifecycle statuses. Terminal statuses are never overwritten.
const (
	RequestStatusPending    = "pending"
	RequestStatusValidating = "validating"
	RequestStatusGenerating = "generating"
	RequestStatusCompleted  = "completed"
	RequestStatusFailed     = "failed"
	RequestStatusCancelled  = "cancelled"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// ContentRequest is the authoritative record of one generation request.
// Mutated only by the orchestrator after creation; all lifecycle writes go
// through guarded repo updates so redeliveries cannot regress state.
type ContentRequest struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CorrelationID string    `gorm:"column:correlation_id;not null;index" json:"correlation_id"`
	OwnerUserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Query       string `gorm:"column:query;not null" json:"query"`
	GradeLevel  string `gorm:"column:grade_level;not null" json:"grade_level"`
	InterestTag string `gorm:"column:interest_tag" json:"interest_tag,omitempty"`

	Status          string  `gorm:"column:status;not null;index" json:"status"`
	CurrentStage    *string `gorm:"column:current_stage;index" json:"current_stage"`
	Progress        int     `gorm:"column:progress;not null;default:0" json:"progress_percentage"`
	CancelRequested bool    `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`

	ScriptText   string `gorm:"column:script_text" json:"script_text,omitempty"`
	AudioURL     string `gorm:"column:audio_url" json:"audio_url,omitempty"`
	VideoURL     string `gorm:"column:video_url" json:"video_url,omitempty"`
	ThumbnailURL string `gorm:"column:thumbnail_url" json:"thumbnail_url,omitempty"`

	// Intermediate stage artifacts (extracted intent, framing, retrieved
	// passages) survive redelivery here so resumed runs keep their inputs.
	Analysis datatypes.JSON `gorm:"column:analysis;type:jsonb" json:"analysis,omitempty"`

	ErrorMessage string  `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorStage   *string `gorm:"column:error_stage" json:"error_stage,omitempty"`
	RetryCount   int     `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ContentRequest) TableName() string { return "content_request" }

func (r *ContentRequest) IsTerminal() bool { return IsTerminalStatus(r.Status) }
