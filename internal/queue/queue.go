package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// Config holds the delivery-contract tunables. Defaults match the sizing
// for worst-case stage latency: a 600s ack deadline and a 10s..600s
// exponential backoff window, with dead-lettering after 10 attempts.
type Config struct {
	MaxAttempts  int
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
	AckDeadline  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		BackoffFloor: 10 * time.Second,
		BackoffCeil:  600 * time.Second,
		AckDeadline:  600 * time.Second,
	}
}

// Queue is a durable at-least-once delivery channel over the queue_job
// table. Jobs sharing an ordering key are delivered one at a time, in
// enqueue order. Consumers must be idempotent with respect to redelivery.
type Queue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, jobType string, orderingKey string, payload any) (*types.QueueJob, error)

	// ClaimNext atomically claims the next deliverable job, incrementing its
	// attempt count and arming the ack deadline. Returns nil when nothing is
	// deliverable right now.
	ClaimNext(ctx context.Context) (*types.QueueJob, error)

	// Ack marks a delivery as processed. The job is never delivered again.
	Ack(ctx context.Context, jobID uuid.UUID) error

	// Nack schedules a redelivery with exponential backoff, or moves the job
	// to the dead-letter sink once the attempt budget is spent. Reports
	// whether the job was dead-lettered.
	Nack(ctx context.Context, job *types.QueueJob, cause error) (bool, error)

	// DeadLetter force-moves a job to the dead-letter sink regardless of its
	// remaining attempt budget.
	DeadLetter(ctx context.Context, job *types.QueueJob, cause error) error

	ListDeadLetters(ctx context.Context, limit int) ([]*types.DeadLetterJob, error)
}

type dbQueue struct {
	db  *gorm.DB
	log *logger.Logger
	cfg Config
}

func NewDBQueue(db *gorm.DB, baseLog *logger.Logger, cfg Config) Queue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = 10 * time.Second
	}
	if cfg.BackoffCeil < cfg.BackoffFloor {
		cfg.BackoffCeil = cfg.BackoffFloor
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 600 * time.Second
	}
	return &dbQueue{
		db:  db,
		log: baseLog.With("component", "DBQueue"),
		cfg: cfg,
	}
}

func (q *dbQueue) Enqueue(ctx context.Context, tx *gorm.DB, jobType string, orderingKey string, payload any) (*types.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	if jobType == "" {
		return nil, fmt.Errorf("job_type required")
	}
	if orderingKey == "" {
		return nil, fmt.Errorf("ordering_key required")
	}
	var raw datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = datatypes.JSON(b)
	}
	now := time.Now()
	job := &types.QueueJob{
		ID:          uuid.New(),
		JobType:     jobType,
		OrderingKey: orderingKey,
		Payload:     raw,
		Status:      types.QueueJobStatusQueued,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext claims the oldest job that is either queued and available, or
// running past its ack deadline (a lost delivery). A job is skipped while
// any earlier job with the same ordering key is still non-terminal, which
// gives both the sequential-per-key guarantee and enqueue-order delivery.
func (q *dbQueue) ClaimNext(ctx context.Context) (*types.QueueJob, error) {
	now := time.Now()
	var claimed *types.QueueJob
	err := q.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.QueueJob
		sel := txx.Model(&types.QueueJob{})
		if txx.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		sel = sel.
			Where(`
				(status = ? AND available_at <= ?)
				OR (status = ? AND ack_deadline_at IS NOT NULL AND ack_deadline_at < ?)
			`, types.QueueJobStatusQueued, now, types.QueueJobStatusRunning, now).
			Where(`NOT EXISTS (
				SELECT 1 FROM queue_job prior
				WHERE prior.ordering_key = queue_job.ordering_key
				  AND prior.status IN (?, ?)
				  AND (prior.created_at < queue_job.created_at
				       OR (prior.created_at = queue_job.created_at AND prior.id < queue_job.id))
			)`, types.QueueJobStatusQueued, types.QueueJobStatusRunning).
			Where(`NOT EXISTS (
				SELECT 1 FROM queue_job live
				WHERE live.ordering_key = queue_job.ordering_key
				  AND live.id <> queue_job.id
				  AND live.status = ?
				  AND (live.ack_deadline_at IS NULL OR live.ack_deadline_at >= ?)
			)`, types.QueueJobStatusRunning, now).
			Order("created_at ASC, id ASC")
		qErr := sel.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		deadline := now.Add(q.cfg.AckDeadline)
		uErr := txx.Model(&types.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":          types.QueueJobStatusRunning,
				"attempts":        gorm.Expr("attempts + 1"),
				"locked_at":       now,
				"ack_deadline_at": deadline,
				"updated_at":      now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.QueueJobStatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.AckDeadlineAt = &deadline
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *dbQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return nil
	}
	now := time.Now()
	return q.db.WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", jobID, types.QueueJobStatusRunning).
		Updates(map[string]interface{}{
			"status":          types.QueueJobStatusDone,
			"locked_at":       nil,
			"ack_deadline_at": nil,
			"updated_at":      now,
		}).Error
}

func (q *dbQueue) Nack(ctx context.Context, job *types.QueueJob, cause error) (bool, error) {
	if job == nil || job.ID == uuid.Nil {
		return false, nil
	}
	if job.Attempts >= q.cfg.MaxAttempts {
		if err := q.DeadLetter(ctx, job, cause); err != nil {
			return false, err
		}
		return true, nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now()
	delay := q.backoff(job.Attempts)
	err := q.db.WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", job.ID, types.QueueJobStatusRunning).
		Updates(map[string]interface{}{
			"status":          types.QueueJobStatusQueued,
			"available_at":    now.Add(delay),
			"locked_at":       nil,
			"ack_deadline_at": nil,
			"last_error":      msg,
			"updated_at":      now,
		}).Error
	if err != nil {
		return false, err
	}
	q.log.Debug("Job nacked for redelivery",
		"job_id", job.ID, "attempts", job.Attempts, "retry_in", delay.String())
	return false, nil
}

func (q *dbQueue) DeadLetter(ctx context.Context, job *types.QueueJob, cause error) error {
	if job == nil || job.ID == uuid.Nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now()
	return q.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&types.QueueJob{}).
			Where("id = ? AND status IN ?", job.ID, []string{types.QueueJobStatusRunning, types.QueueJobStatusQueued}).
			Updates(map[string]interface{}{
				"status":          types.QueueJobStatusDead,
				"locked_at":       nil,
				"ack_deadline_at": nil,
				"last_error":      msg,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
		// Unique index on job_id keeps redelivery races to one entry.
		entry := &types.DeadLetterJob{
			ID:          uuid.New(),
			JobID:       job.ID,
			JobType:     job.JobType,
			OrderingKey: job.OrderingKey,
			Payload:     job.Payload,
			Attempts:    job.Attempts,
			LastError:   msg,
			CreatedAt:   now,
		}
		if err := txx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error; err != nil {
			return err
		}
		q.log.Warn("Job moved to dead-letter sink",
			"job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts, "error", msg)
		return nil
	})
}

func (q *dbQueue) ListDeadLetters(ctx context.Context, limit int) ([]*types.DeadLetterJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.DeadLetterJob
	err := q.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// backoff doubles per attempt from the floor, clamped to the ceiling:
// 10s, 20s, 40s, ... 600s with the defaults.
func (q *dbQueue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BackoffFloor
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCeil {
			return q.cfg.BackoffCeil
		}
	}
	if d > q.cfg.BackoffCeil {
		d = q.cfg.BackoffCeil
	}
	return d
}
