package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/queue"
	"github.com/lumenclass/videogen-backend/internal/realtime"
	"github.com/lumenclass/videogen-backend/internal/services"
)

type NotificationsHandler struct {
	broker     *services.Broker
	hub        *realtime.Hub
	queue      queue.Queue
	instanceID string
}

func NewNotificationsHandler(broker *services.Broker, hub *realtime.Hub, q queue.Queue, instanceID string) *NotificationsHandler {
	return &NotificationsHandler{broker: broker, hub: hub, queue: q, instanceID: instanceID}
}

// GET /api/notifications/health
func (h *NotificationsHandler) Health(c *gin.Context) {
	health := h.broker.Health(c.Request.Context())
	status := http.StatusOK
	if health.Status == services.BrokerStatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// GET /api/notifications/connections
//
// Connections are registered per instance, so this reports only the
// instance that served the call.
func (h *NotificationsHandler) Connections(c *gin.Context) {
	RespondOK(c, gin.H{
		"instance_id": h.instanceID,
		"connections": h.hub.List(),
	})
}

// GET /api/admin/dead-letters
func (h *NotificationsHandler) DeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	jobs, err := h.queue.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "dead_letter_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"dead_letters": jobs})
}

// GET /api/stages
func (h *NotificationsHandler) Stages(c *gin.Context) {
	RespondOK(c, gin.H{"stages": pipeline.Stages()})
}
