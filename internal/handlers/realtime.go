package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/realtime"
	"github.com/lumenclass/videogen-backend/internal/requestdata"
)

type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /api/notifications/stream
func (h *RealtimeHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	conn := h.hub.Register(rd.UserID, map[string]string{
		"remote_addr": c.ClientIP(),
		"user_agent":  c.Request.UserAgent(),
	})
	defer h.hub.Unregister(conn)
	// Clients that POST heartbeats out of band need their connection id.
	c.Writer.Header().Set("X-Connection-ID", conn.ID.String())
	h.hub.ServeSSE(c.Writer, c.Request, conn)
}

// POST /api/notifications/heartbeat
func (h *RealtimeHandler) Heartbeat(c *gin.Context) {
	var in struct {
		ConnectionID string `json:"connection_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	connID, err := uuid.Parse(in.ConnectionID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_connection_id", err)
		return
	}
	if !h.hub.Heartbeat(connID) {
		RespondError(c, http.StatusNotFound, "connection_not_found", fmt.Errorf("connection %s is not registered on this instance", connID))
		return
	}
	RespondOK(c, gin.H{"connection_id": connID})
}
