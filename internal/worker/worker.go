package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/queue"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// Worker is a pool of independent queue consumers. Correctness across
// concurrent workers (and across instances) rests entirely on the queue's
// per-ordering-key claim guarantee, not on any lock held here.
type Worker struct {
	log          *logger.Logger
	queue        queue.Queue
	orchestrator *pipeline.Orchestrator
	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
}

func NewWorker(baseLog *logger.Logger, q queue.Queue, orch *pipeline.Orchestrator, concurrency int, maxAttempts int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		log:          baseLog.With("component", "Worker"),
		queue:        q,
		orchestrator: orch,
		concurrency:  concurrency,
		pollInterval: time.Second,
		maxAttempts:  maxAttempts,
	}
}

// Start launches the pool and returns. The pool drains when ctx is
// cancelled; Wait on the returned group for shutdown.
func (w *Worker) Start(ctx context.Context) *errgroup.Group {
	w.log.Info("Starting worker pool", "concurrency", w.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.runLoop(gctx, workerID)
			return nil
		})
	}
	return g
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.queue.ClaimNext(ctx)
			if err != nil {
				w.log.Warn("ClaimNext failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.process(ctx, workerID, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID int, job *types.QueueJob) {
	log := w.log.With("worker_id", workerID, "job_id", job.ID, "job_type", job.JobType)

	// A job can exceed its budget without ever being nacked when workers
	// crash mid-delivery; the next claimer settles it here.
	if job.Attempts > w.maxAttempts {
		cause := fmt.Errorf("delivery attempts exceeded (%d > %d)", job.Attempts, w.maxAttempts)
		if err := w.queue.DeadLetter(ctx, job, cause); err != nil {
			log.Error("Dead-lettering over-budget job failed", "error", err)
			return
		}
		w.orchestrator.FailExhausted(ctx, job, cause)
		return
	}

	runErr := w.run(ctx, log, job)
	if runErr == nil {
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			log.Warn("Ack failed; job will redeliver", "error", err)
		}
		return
	}

	deadLettered, nackErr := w.queue.Nack(ctx, job, runErr)
	if nackErr != nil {
		log.Error("Nack failed", "error", nackErr)
		return
	}
	if deadLettered {
		w.orchestrator.FailExhausted(ctx, job, runErr)
	}
}

func (w *Worker) run(ctx context.Context, log *logger.Logger, job *types.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch job.JobType {
	case pipeline.JobTypeGenerate:
		return w.orchestrator.Handle(ctx, job)
	default:
		// Unknown types can never succeed; park them for inspection.
		log.Warn("No handler for job_type; dead-lettering")
		cause := fmt.Errorf("no handler for job_type=%s", job.JobType)
		if dlErr := w.queue.DeadLetter(ctx, job, cause); dlErr != nil {
			return dlErr
		}
		return nil
	}
}
