package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

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

type stageFunc func(ctx context.Context, stageID string, req *types.ContentRequest) (*pipeline.StageOutput, error)

func (f stageFunc) ExecuteStage(ctx context.Context, stageID string, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	return f(ctx, stageID, req)
}

type noopNotifier struct{}

func (noopNotifier) RequestStarted(uuid.UUID, *types.ContentRequest)                  {}
func (noopNotifier) RequestProgress(uuid.UUID, *types.ContentRequest, pipeline.Stage) {}
func (noopNotifier) RequestCompleted(uuid.UUID, *types.ContentRequest)                {}
func (noopNotifier) RequestFailed(uuid.UUID, *types.ContentRequest, string, string)   {}
func (noopNotifier) RequestCancelled(uuid.UUID, *types.ContentRequest)                {}

type workerFixture struct {
	repo   repos.ContentRequestRepo
	queue  queue.Queue
	worker *Worker
}

func newWorkerFixture(t *testing.T, qcfg queue.Config, exec pipeline.StageExecutor) *workerFixture {
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
	q := queue.NewDBQueue(db, logger.NewNop(), qcfg)
	orch := pipeline.NewOrchestrator(db, logger.NewNop(), repo, exec, noopNotifier{})
	return &workerFixture{
		repo:   repo,
		queue:  q,
		worker: NewWorker(logger.NewNop(), q, orch, 1, qcfg.MaxAttempts),
	}
}

func (f *workerFixture) submit(t *testing.T) *types.ContentRequest {
	t.Helper()
	ctx := context.Background()
	req := &types.ContentRequest{
		ID:            uuid.New(),
		CorrelationID: uuid.NewString(),
		OwnerUserID:   uuid.New(),
		Query:         "why do leaves change color",
		GradeLevel:    "5",
		Status:        types.RequestStatusPending,
	}
	if _, err := f.repo.Create(ctx, nil, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	payload := pipeline.GeneratePayload{RequestID: req.ID, CorrelationID: req.CorrelationID}
	if _, err := f.queue.Enqueue(ctx, nil, pipeline.JobTypeGenerate, req.OwnerUserID.String(), payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return req
}

// drain claims and processes until the queue is empty, waiting out
// redelivery backoffs. Stops after maxDeliveries to guard against loops.
func (f *workerFixture) drain(t *testing.T, maxDeliveries int) int {
	t.Helper()
	ctx := context.Background()
	deliveries := 0
	idle := 0
	for deliveries < maxDeliveries {
		job, err := f.queue.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			idle++
			if idle > 200 {
				return deliveries
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		idle = 0
		deliveries++
		f.worker.process(ctx, 1, job)
	}
	return deliveries
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	exec := stageFunc(func(context.Context, string, *types.ContentRequest) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{}, nil
	})
	f := newWorkerFixture(t, queue.DefaultConfig(), exec)
	req := f.submit(t)

	if got := f.drain(t, 5); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	stored, _ := f.repo.GetByID(context.Background(), nil, req.ID)
	if stored.Status != types.RequestStatusCompleted {
		t.Fatalf("status = %q, want completed", stored.Status)
	}
}

func TestWorkerExhaustionDeadLettersAndFailsRequest(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffFloor = time.Millisecond
	cfg.BackoffCeil = 2 * time.Millisecond

	exec := stageFunc(func(_ context.Context, stageID string, _ *types.ContentRequest) (*pipeline.StageOutput, error) {
		if stageID == pipeline.StageRAGRetrieval {
			return nil, pipeline.Transient(errors.New("curriculum service unreachable"))
		}
		return &pipeline.StageOutput{}, nil
	})
	f := newWorkerFixture(t, cfg, exec)
	req := f.submit(t)

	if got := f.drain(t, 10); got != cfg.MaxAttempts {
		t.Fatalf("deliveries = %d, want %d", got, cfg.MaxAttempts)
	}

	ctx := context.Background()
	stored, _ := f.repo.GetByID(ctx, nil, req.ID)
	if stored.Status != types.RequestStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if stored.ErrorStage == nil || *stored.ErrorStage != pipeline.StageRAGRetrieval {
		t.Fatalf("error_stage = %v, want rag_retrieval", stored.ErrorStage)
	}
	entries, _ := f.queue.ListDeadLetters(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
}

func TestWorkerDeadLettersUnknownJobType(t *testing.T) {
	exec := stageFunc(func(context.Context, string, *types.ContentRequest) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{}, nil
	})
	f := newWorkerFixture(t, queue.DefaultConfig(), exec)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, nil, "no_such_type", "key", map[string]string{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := f.queue.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	f.worker.process(ctx, 1, job)

	entries, _ := f.queue.ListDeadLetters(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
	if again, _ := f.queue.ClaimNext(ctx); again != nil {
		t.Fatalf("unknown-type job redelivered: %+v", again)
	}
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.BackoffFloor = time.Millisecond
	cfg.BackoffCeil = 2 * time.Millisecond
	calls := 0
	exec := stageFunc(func(context.Context, string, *types.ContentRequest) (*pipeline.StageOutput, error) {
		calls++
		if calls == 1 {
			panic("renderer library bug")
		}
		return &pipeline.StageOutput{}, nil
	})
	f := newWorkerFixture(t, cfg, exec)
	req := f.submit(t)

	// The panic converts to a nack and the retry completes the request.
	f.drain(t, 5)
	stored, _ := f.repo.GetByID(context.Background(), nil, req.ID)
	if stored.Status != types.RequestStatusCompleted {
		t.Fatalf("status after panic recovery = %q, want completed", stored.Status)
	}
}
