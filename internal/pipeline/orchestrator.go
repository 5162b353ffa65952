package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/repos"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// JobTypeGenerate is the queue job type driving this pipeline.
const JobTypeGenerate = "content_generate"

// GeneratePayload is the queue payload for a generation job.
type GeneratePayload struct {
	RequestID     uuid.UUID `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// StageOutput carries whatever artifacts a stage produced. Only the fields
// relevant to the executed stage are set. Analysis entries are merged into
// the request's persisted analysis document.
type StageOutput struct {
	Analysis     map[string]any
	ScriptText   string
	AudioURL     string
	VideoURL     string
	ThumbnailURL string
}

// StageExecutor performs the external work of one stage: model calls,
// retrieval, synthesis, rendering. Implementations classify their own
// failures via Transient/Permanent; anything unclassified is retried.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, stageID string, req *types.ContentRequest) (*StageOutput, error)
}

// Notifier publishes lifecycle events. All calls are fire-and-forget from
// the orchestrator's point of view.
type Notifier interface {
	RequestStarted(ownerUserID uuid.UUID, req *types.ContentRequest)
	RequestProgress(ownerUserID uuid.UUID, req *types.ContentRequest, completedStage Stage)
	RequestCompleted(ownerUserID uuid.UUID, req *types.ContentRequest)
	RequestFailed(ownerUserID uuid.UUID, req *types.ContentRequest, stageID string, errorMessage string)
	RequestCancelled(ownerUserID uuid.UUID, req *types.ContentRequest)
}

// Orchestrator drives a claimed queue job through the seven stages. It is
// safe under redelivery: resume position comes from the persisted
// current_stage, every write is conditioned on the previously observed
// status, and cancellation is honored at stage boundaries only.
type Orchestrator struct {
	db       *gorm.DB
	log      *logger.Logger
	requests repos.ContentRequestRepo
	executor StageExecutor
	notify   Notifier
}

func NewOrchestrator(db *gorm.DB, baseLog *logger.Logger, requests repos.ContentRequestRepo, executor StageExecutor, notify Notifier) *Orchestrator {
	return &Orchestrator{
		db:       db,
		log:      baseLog.With("component", "Orchestrator"),
		requests: requests,
		executor: executor,
		notify:   notify,
	}
}

var nonTerminalStatuses = []string{
	types.RequestStatusPending,
	types.RequestStatusValidating,
	types.RequestStatusGenerating,
}

// Handle processes one delivery. A nil return means the job is finished
// from the queue's perspective (success, permanent failure, cancellation,
// or a no-op redelivery) and must be acked. A non-nil return is a
// transient condition; the caller nacks so the queue redelivers.
func (o *Orchestrator) Handle(ctx context.Context, job *types.QueueJob) error {
	payload, err := decodePayload(job)
	if err != nil {
		// Unparseable payloads can never succeed; drop the delivery.
		o.log.Error("Dropping job with bad payload", "job_id", job.ID, "error", err)
		return nil
	}
	log := o.log.With("request_id", payload.RequestID, "correlation_id", payload.CorrelationID)

	req, err := o.requests.GetByID(ctx, nil, payload.RequestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if req == nil {
		log.Warn("Job references missing request; acking")
		return nil
	}
	if req.IsTerminal() {
		// Duplicate delivery of an already-finished request.
		log.Debug("Request already terminal; acking redelivery", "status", req.Status)
		return nil
	}

	resume := 0
	if req.CurrentStage != nil {
		resume = StageIndex(*req.CurrentStage) + 1
	}
	if resume > 0 {
		log.Info("Resuming request from persisted stage", "resume_index", resume)
	}

	for i := resume; i < StageCount(); i++ {
		stage := stages[i]

		req, err = o.requests.GetByID(ctx, nil, payload.RequestID)
		if err != nil {
			return fmt.Errorf("reload request: %w", err)
		}
		if req == nil || req.IsTerminal() {
			return nil
		}
		if req.CancelRequested {
			return o.cancel(ctx, log, req)
		}

		if err := o.advanceStatus(ctx, log, req, i); err != nil {
			return err
		}

		out, execErr := o.executor.ExecuteStage(ctx, stage.ID, req)
		if execErr != nil {
			if IsPermanent(execErr) {
				return o.failPermanent(ctx, log, req, stage.ID, execErr)
			}
			return o.failTransient(ctx, log, req, stage.ID, execErr)
		}

		if err := o.completeStage(ctx, log, req, i, out); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) advanceStatus(ctx context.Context, log *logger.Logger, req *types.ContentRequest, stageIdx int) error {
	now := time.Now()
	if stageIdx == 0 {
		applied, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID,
			[]string{types.RequestStatusPending},
			map[string]interface{}{
				"status":     types.RequestStatusValidating,
				"started_at": now,
			})
		if err != nil {
			return fmt.Errorf("advance to validating: %w", err)
		}
		if applied {
			req.Status = types.RequestStatusValidating
			req.StartedAt = &now
			o.notify.RequestStarted(req.OwnerUserID, req)
		}
		return nil
	}
	// Redeliveries land here with the status already advanced; the guarded
	// update is simply a no-op then.
	_, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID,
		[]string{types.RequestStatusPending, types.RequestStatusValidating},
		map[string]interface{}{"status": types.RequestStatusGenerating})
	if err != nil {
		return fmt.Errorf("advance to generating: %w", err)
	}
	req.Status = types.RequestStatusGenerating
	return nil
}

func (o *Orchestrator) completeStage(ctx context.Context, log *logger.Logger, req *types.ContentRequest, stageIdx int, out *StageOutput) error {
	stage := stages[stageIdx]
	final := stageIdx == StageCount()-1
	now := time.Now()

	updates := map[string]interface{}{
		"current_stage": stage.ID,
		"progress":      ProgressAfter(stageIdx + 1),
	}
	var mergedAnalysis datatypes.JSON
	if out != nil {
		if len(out.Analysis) > 0 {
			mergedAnalysis = mergeAnalysis(req.Analysis, out.Analysis)
			updates["analysis"] = mergedAnalysis
		}
		if out.ScriptText != "" {
			updates["script_text"] = out.ScriptText
		}
		if out.AudioURL != "" {
			updates["audio_url"] = out.AudioURL
		}
		if out.VideoURL != "" {
			updates["video_url"] = out.VideoURL
		}
		if out.ThumbnailURL != "" {
			updates["thumbnail_url"] = out.ThumbnailURL
		}
	}
	if final {
		updates["status"] = types.RequestStatusCompleted
		updates["completed_at"] = now
	}

	applied, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID, nonTerminalStatuses, updates)
	if err != nil {
		return fmt.Errorf("persist stage %s: %w", stage.ID, err)
	}
	if !applied {
		// Lost the race against a terminal transition (cancellation).
		log.Info("Stage result discarded; request already terminal", "stage", stage.ID)
		return nil
	}

	stageID := stage.ID
	req.CurrentStage = &stageID
	req.Progress = ProgressAfter(stageIdx + 1)
	if out != nil {
		if len(mergedAnalysis) > 0 {
			req.Analysis = mergedAnalysis
		}
		if out.ScriptText != "" {
			req.ScriptText = out.ScriptText
		}
		if out.AudioURL != "" {
			req.AudioURL = out.AudioURL
		}
		if out.VideoURL != "" {
			req.VideoURL = out.VideoURL
		}
		if out.ThumbnailURL != "" {
			req.ThumbnailURL = out.ThumbnailURL
		}
	}
	if final {
		req.Status = types.RequestStatusCompleted
		req.CompletedAt = &now
		log.Info("Request completed", "progress", req.Progress)
		o.notify.RequestCompleted(req.OwnerUserID, req)
	} else {
		log.Debug("Stage completed", "stage", stage.ID, "progress", req.Progress)
		o.notify.RequestProgress(req.OwnerUserID, req, stage)
	}
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, log *logger.Logger, req *types.ContentRequest) error {
	now := time.Now()
	applied, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID, nonTerminalStatuses,
		map[string]interface{}{
			"status":       types.RequestStatusCancelled,
			"completed_at": now,
		})
	if err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	if applied {
		req.Status = types.RequestStatusCancelled
		req.CompletedAt = &now
		log.Info("Request cancelled at stage boundary")
		o.notify.RequestCancelled(req.OwnerUserID, req)
	}
	return nil
}

func (o *Orchestrator) failPermanent(ctx context.Context, log *logger.Logger, req *types.ContentRequest, stageID string, cause error) error {
	now := time.Now()
	msg := cause.Error()
	applied, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID, nonTerminalStatuses,
		map[string]interface{}{
			"status":        types.RequestStatusFailed,
			"current_stage": stageID,
			"error_stage":   stageID,
			"error_message": msg,
			"completed_at":  now,
		})
	if err != nil {
		return fmt.Errorf("persist permanent failure: %w", err)
	}
	if applied {
		req.Status = types.RequestStatusFailed
		req.ErrorMessage = msg
		req.ErrorStage = &stageID
		log.Warn("Request failed permanently", "stage", stageID, "error", msg)
		o.notify.RequestFailed(req.OwnerUserID, req, stageID, msg)
	}
	return nil
}

// failTransient records the retry and surfaces the error so the worker
// nacks. The user sees no failure, only a stall, until retries exhaust.
func (o *Orchestrator) failTransient(ctx context.Context, log *logger.Logger, req *types.ContentRequest, stageID string, cause error) error {
	_, err := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID, nonTerminalStatuses,
		map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if err != nil {
		log.Warn("Failed to record retry", "error", err)
	}
	log.Warn("Transient stage failure; job will redeliver", "stage", stageID, "error", cause)
	return fmt.Errorf("stage %s: %w", stageID, cause)
}

// FailExhausted terminalizes a request whose job ran out of delivery
// attempts and was dead-lettered. The executing stage is derived from the
// persisted resume position.
func (o *Orchestrator) FailExhausted(ctx context.Context, job *types.QueueJob, cause error) {
	payload, err := decodePayload(job)
	if err != nil {
		return
	}
	req, err := o.requests.GetByID(ctx, nil, payload.RequestID)
	if err != nil || req == nil || req.IsTerminal() {
		return
	}
	stageID := StageRequestReceived
	if req.CurrentStage != nil {
		if next := NextStage(*req.CurrentStage); next != "" {
			stageID = next
		} else {
			stageID = *req.CurrentStage
		}
	}
	msg := "retry budget exhausted"
	if cause != nil {
		msg = fmt.Sprintf("retry budget exhausted: %v", cause)
	}
	now := time.Now()
	applied, uErr := o.requests.UpdateFieldsWhereStatus(ctx, nil, req.ID, nonTerminalStatuses,
		map[string]interface{}{
			"status":        types.RequestStatusFailed,
			"current_stage": stageID,
			"error_stage":   stageID,
			"error_message": msg,
			"completed_at":  now,
		})
	if uErr != nil || !applied {
		return
	}
	req.Status = types.RequestStatusFailed
	req.ErrorStage = &stageID
	req.ErrorMessage = msg
	o.log.Warn("Request failed after exhausting delivery attempts",
		"request_id", req.ID, "stage", stageID)
	o.notify.RequestFailed(req.OwnerUserID, req, stageID, msg)
}

func mergeAnalysis(existing datatypes.JSON, add map[string]any) datatypes.JSON {
	merged := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &merged)
	}
	for k, v := range add {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return datatypes.JSON(raw)
}

func decodePayload(job *types.QueueJob) (*GeneratePayload, error) {
	if job == nil || len(job.Payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var p GeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.RequestID == uuid.Nil {
		return nil, fmt.Errorf("payload missing request_id")
	}
	return &p, nil
}
