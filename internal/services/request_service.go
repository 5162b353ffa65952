package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/queue"
	"github.com/lumenclass/videogen-backend/internal/repos"
	"github.com/lumenclass/videogen-backend/internal/types"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrForbidden       = errors.New("request belongs to another user")
	ErrAlreadyTerminal = errors.New("request already reached a terminal status")
)

type SubmitInput struct {
	Query         string `json:"query" binding:"required"`
	GradeLevel    string `json:"grade_level" binding:"required"`
	InterestTag   string `json:"interest_tag"`
	CorrelationID string `json:"correlation_id"`
}

// StatusSnapshot is the read-path view: the stored record plus a derived
// ETA. The ETA is null for terminal statuses.
type StatusSnapshot struct {
	*types.ContentRequest
	EtaSeconds *int `json:"eta_seconds"`
}

// RequestService is the submission and status-query surface. The read path
// never touches the notification broker, so push outages cannot block
// status visibility.
type RequestService interface {
	Submit(ctx context.Context, ownerUserID uuid.UUID, in SubmitInput) (*types.ContentRequest, error)
	GetForUser(ctx context.Context, callerUserID uuid.UUID, id uuid.UUID) (*StatusSnapshot, error)
	ListForUser(ctx context.Context, callerUserID uuid.UUID, limit int) ([]*StatusSnapshot, error)
	Cancel(ctx context.Context, callerUserID uuid.UUID, id uuid.UUID) (*types.ContentRequest, error)
}

type requestService struct {
	db       *gorm.DB
	log      *logger.Logger
	requests repos.ContentRequestRepo
	queue    queue.Queue
}

func NewRequestService(db *gorm.DB, baseLog *logger.Logger, requests repos.ContentRequestRepo, q queue.Queue) RequestService {
	return &requestService{
		db:       db,
		log:      baseLog.With("service", "RequestService"),
		requests: requests,
		queue:    q,
	}
}

func (s *requestService) Submit(ctx context.Context, ownerUserID uuid.UUID, in SubmitInput) (*types.ContentRequest, error) {
	if ownerUserID == uuid.Nil {
		return nil, fmt.Errorf("owner user id required")
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("query required")
	}
	grade := strings.TrimSpace(in.GradeLevel)
	if grade == "" {
		return nil, fmt.Errorf("grade_level required")
	}
	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	req := &types.ContentRequest{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		OwnerUserID:   ownerUserID,
		Query:         query,
		GradeLevel:    grade,
		InterestTag:   strings.TrimSpace(in.InterestTag),
		Status:        types.RequestStatusPending,
	}

	// Record and job land atomically; a request without a job would stall
	// forever in pending.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.requests.Create(ctx, tx, req); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		payload := pipeline.GeneratePayload{RequestID: req.ID, CorrelationID: correlationID}
		if _, err := s.queue.Enqueue(ctx, tx, pipeline.JobTypeGenerate, ownerUserID.String(), payload); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Request submitted",
		"request_id", req.ID,
		"owner_user_id", ownerUserID,
		"correlation_id", correlationID,
	)
	return req, nil
}

func (s *requestService) GetForUser(ctx context.Context, callerUserID uuid.UUID, id uuid.UUID) (*StatusSnapshot, error) {
	req, err := s.requests.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.OwnerUserID != callerUserID {
		return nil, ErrForbidden
	}
	return snapshot(req), nil
}

func (s *requestService) ListForUser(ctx context.Context, callerUserID uuid.UUID, limit int) ([]*StatusSnapshot, error) {
	reqs, err := s.requests.ListByOwner(ctx, nil, callerUserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusSnapshot, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, snapshot(r))
	}
	return out, nil
}

func (s *requestService) Cancel(ctx context.Context, callerUserID uuid.UUID, id uuid.UUID) (*types.ContentRequest, error) {
	req, err := s.requests.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.OwnerUserID != callerUserID {
		return nil, ErrForbidden
	}
	if req.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	applied, err := s.requests.RequestCancel(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Terminalized between the read and the flag write.
		return nil, ErrAlreadyTerminal
	}
	s.log.Info("Cancellation requested", "request_id", id)
	req.CancelRequested = true
	return req, nil
}

func snapshot(req *types.ContentRequest) *StatusSnapshot {
	snap := &StatusSnapshot{ContentRequest: req}
	if req.IsTerminal() {
		return snap
	}
	executing := pipeline.StageRequestReceived
	if req.CurrentStage != nil {
		if next := pipeline.NextStage(*req.CurrentStage); next != "" {
			executing = next
		} else {
			executing = *req.CurrentStage
		}
	}
	if eta, ok := pipeline.EstimateRemaining(executing, req.Progress); ok {
		secs := int(eta.Seconds())
		snap.EtaSeconds = &secs
	}
	return snap
}
