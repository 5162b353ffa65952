package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/queue"
	"github.com/lumenclass/videogen-backend/internal/repos"
	"github.com/lumenclass/videogen-backend/internal/types"
)

type requestServiceFixture struct {
	db      *gorm.DB
	repo    repos.ContentRequestRepo
	queue   queue.Queue
	service RequestService
}

func newRequestServiceFixture(t *testing.T) *requestServiceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.ContentRequest{}, &types.QueueJob{}, &types.DeadLetterJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := repos.NewContentRequestRepo(db, logger.NewNop())
	q := queue.NewDBQueue(db, logger.NewNop(), queue.DefaultConfig())
	return &requestServiceFixture{
		db:      db,
		repo:    repo,
		queue:   q,
		service: NewRequestService(db, logger.NewNop(), repo, q),
	}
}

func TestSubmitCreatesRequestAndJob(t *testing.T) {
	f := newRequestServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	req, err := f.service.Submit(ctx, owner, SubmitInput{
		Query:       "how do volcanoes work",
		GradeLevel:  "4",
		InterestTag: "minecraft",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != types.RequestStatusPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}
	if req.CorrelationID == "" {
		t.Fatalf("correlation id not assigned")
	}

	job, err := f.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatalf("submit did not enqueue a job")
	}
	if job.JobType != pipeline.JobTypeGenerate {
		t.Fatalf("job type = %q", job.JobType)
	}
	if job.OrderingKey != owner.String() {
		t.Fatalf("ordering key = %q, want owner id", job.OrderingKey)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newRequestServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.Submit(ctx, uuid.New(), SubmitInput{GradeLevel: "4"}); err == nil {
		t.Fatalf("empty query accepted")
	}
	if _, err := f.service.Submit(ctx, uuid.New(), SubmitInput{Query: "q"}); err == nil {
		t.Fatalf("empty grade level accepted")
	}
	if _, err := f.service.Submit(ctx, uuid.Nil, SubmitInput{Query: "q", GradeLevel: "4"}); err == nil {
		t.Fatalf("nil owner accepted")
	}
	// No orphan jobs from failed submissions.
	if job, _ := f.queue.ClaimNext(ctx); job != nil {
		t.Fatalf("rejected submission enqueued a job: %+v", job)
	}
}

func TestGetForUserOwnership(t *testing.T) {
	f := newRequestServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	req, err := f.service.Submit(ctx, owner, SubmitInput{Query: "photosynthesis", GradeLevel: "6"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap, err := f.service.GetForUser(ctx, owner, req.ID)
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if snap.ID != req.ID {
		t.Fatalf("wrong request returned")
	}

	if _, err := f.service.GetForUser(ctx, uuid.New(), req.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger lookup err = %v, want ErrForbidden", err)
	}
	if _, err := f.service.GetForUser(ctx, owner, uuid.New()); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("missing lookup err = %v, want ErrRequestNotFound", err)
	}
}

func TestStatusSnapshotEta(t *testing.T) {
	f := newRequestServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	req, err := f.service.Submit(ctx, owner, SubmitInput{Query: "gravity", GradeLevel: "8"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Pending request: ETA covers the whole pipeline.
	snap, err := f.service.GetForUser(ctx, owner, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.EtaSeconds == nil {
		t.Fatalf("pending request should carry an ETA")
	}
	fullEta := *snap.EtaSeconds

	// Mid-pipeline the ETA shrinks.
	stage := pipeline.StageRAGRetrieval
	if _, err := f.repo.UpdateFieldsWhereStatus(ctx, nil, req.ID,
		[]string{types.RequestStatusPending},
		map[string]interface{}{
			"status":        types.RequestStatusGenerating,
			"current_stage": stage,
			"progress":      pipeline.ProgressAfter(4),
		}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}
	snap, _ = f.service.GetForUser(ctx, owner, req.ID)
	if snap.EtaSeconds == nil || *snap.EtaSeconds >= fullEta {
		t.Fatalf("mid-pipeline ETA = %v, want below %d", snap.EtaSeconds, fullEta)
	}

	// Terminal requests report no ETA.
	if _, err := f.repo.UpdateFieldsWhereStatus(ctx, nil, req.ID,
		[]string{types.RequestStatusGenerating},
		map[string]interface{}{"status": types.RequestStatusCompleted, "progress": 100}); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}
	snap, _ = f.service.GetForUser(ctx, owner, req.ID)
	if snap.EtaSeconds != nil {
		t.Fatalf("terminal request reported ETA %d", *snap.EtaSeconds)
	}
}

func TestCancel(t *testing.T) {
	f := newRequestServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	req, err := f.service.Submit(ctx, owner, SubmitInput{Query: "the water cycle", GradeLevel: "3"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.service.Cancel(ctx, uuid.New(), req.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger cancel err = %v, want ErrForbidden", err)
	}

	cancelled, err := f.service.Cancel(ctx, owner, req.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.CancelRequested {
		t.Fatalf("cancel flag not set on returned record")
	}
	stored, _ := f.repo.GetByID(ctx, nil, req.ID)
	if !stored.CancelRequested {
		t.Fatalf("cancel flag not persisted")
	}

	// Cancelling a terminal request conflicts.
	if _, err := f.repo.UpdateFieldsWhereStatus(ctx, nil, req.ID,
		[]string{types.RequestStatusPending},
		map[string]interface{}{"status": types.RequestStatusCancelled}); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}
	if _, err := f.service.Cancel(ctx, owner, req.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("terminal cancel err = %v, want ErrAlreadyTerminal", err)
	}
}
