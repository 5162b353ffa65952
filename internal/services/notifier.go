package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/realtime"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// requestNotifier translates pipeline transitions into NotificationEvents
// and hands them to the broker. Implements pipeline.Notifier.
type requestNotifier struct {
	broker *Broker
}

func NewRequestNotifier(broker *Broker) pipeline.Notifier {
	return &requestNotifier{broker: broker}
}

func (n *requestNotifier) publish(ownerUserID uuid.UUID, ev realtime.NotificationEvent) {
	if n == nil || n.broker == nil || ownerUserID == uuid.Nil {
		return
	}
	ev.EmittedAt = time.Now()
	n.broker.Publish(context.Background(), ownerUserID, ev)
}

func (n *requestNotifier) RequestStarted(ownerUserID uuid.UUID, req *types.ContentRequest) {
	n.publish(ownerUserID, realtime.NotificationEvent{
		EventType:          realtime.EventStarted,
		RequestID:          req.ID,
		Title:              "Generation started",
		Message:            fmt.Sprintf("Working on %q", req.Query),
		ProgressPercentage: req.Progress,
	})
}

func (n *requestNotifier) RequestProgress(ownerUserID uuid.UUID, req *types.ContentRequest, completedStage pipeline.Stage) {
	n.publish(ownerUserID, realtime.NotificationEvent{
		EventType:          realtime.EventProgress,
		RequestID:          req.ID,
		Title:              completedStage.Title,
		Message:            completedStage.Description,
		ProgressPercentage: req.Progress,
	})
}

func (n *requestNotifier) RequestCompleted(ownerUserID uuid.UUID, req *types.ContentRequest) {
	n.publish(ownerUserID, realtime.NotificationEvent{
		EventType:          realtime.EventCompleted,
		RequestID:          req.ID,
		Title:              "Your video is ready",
		Message:            fmt.Sprintf("Finished generating a video for %q", req.Query),
		ProgressPercentage: 100,
	})
}

func (n *requestNotifier) RequestFailed(ownerUserID uuid.UUID, req *types.ContentRequest, stageID string, errorMessage string) {
	n.publish(ownerUserID, realtime.NotificationEvent{
		EventType:          realtime.EventFailed,
		RequestID:          req.ID,
		Title:              "Generation failed",
		Message:            errorMessage,
		ProgressPercentage: req.Progress,
	})
}

// Cancellation reuses the failed event type on the wire; clients read the
// authoritative cancelled status from the store.
func (n *requestNotifier) RequestCancelled(ownerUserID uuid.UUID, req *types.ContentRequest) {
	n.publish(ownerUserID, realtime.NotificationEvent{
		EventType:          realtime.EventFailed,
		RequestID:          req.ID,
		Title:              "Generation cancelled",
		Message:            "The request was cancelled before it finished",
		ProgressPercentage: req.Progress,
	})
}
