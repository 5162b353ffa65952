package realtime

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// NotificationEvent is the wire-stable push payload. It is an ephemeral
// convenience signal; the content_request row stays authoritative.
type NotificationEvent struct {
	EventType          EventType `json:"event_type"`
	RequestID          uuid.UUID `json:"request_id"`
	Title              string    `json:"title"`
	Message            string    `json:"message"`
	ProgressPercentage int       `json:"progress_percentage"`
	EmittedAt          time.Time `json:"emitted_at"`
}

// Envelope routes an event to every subscriber of a channel. Channels are
// owner user ids.
type Envelope struct {
	Channel string            `json:"channel"`
	Event   NotificationEvent `json:"event"`
}
