package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/requestdata"
	"github.com/lumenclass/videogen-backend/internal/services"
)

type RequestHandler struct {
	requests services.RequestService
}

func NewRequestHandler(requests services.RequestService) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// POST /api/requests
func (h *RequestHandler) SubmitRequest(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	var in services.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	req, err := h.requests.Submit(c.Request.Context(), rd.UserID, in)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "submit_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request": req})
}

// GET /api/requests
func (h *RequestHandler) ListRequests(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	snaps, err := h.requests.ListForUser(c.Request.Context(), rd.UserID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"requests": snaps})
}

// GET /api/requests/:id
func (h *RequestHandler) GetRequest(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_id", err)
		return
	}
	snap, err := h.requests.GetForUser(c.Request.Context(), rd.UserID, requestID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRequestNotFound):
			RespondError(c, http.StatusNotFound, "request_not_found", err)
		case errors.Is(err, services.ErrForbidden):
			RespondError(c, http.StatusForbidden, "forbidden", err)
		default:
			RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"request": snap})
}

// POST /api/requests/:id/cancel
func (h *RequestHandler) CancelRequest(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_id", err)
		return
	}
	req, err := h.requests.Cancel(c.Request.Context(), rd.UserID, requestID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRequestNotFound):
			RespondError(c, http.StatusNotFound, "request_not_found", err)
		case errors.Is(err, services.ErrForbidden):
			RespondError(c, http.StatusForbidden, "forbidden", err)
		case errors.Is(err, services.ErrAlreadyTerminal):
			RespondError(c, http.StatusConflict, "already_terminal", err)
		default:
			RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"request": req})
}
