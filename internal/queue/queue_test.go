package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.QueueJob{}, &types.DeadLetterJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T, cfg Config) Queue {
	t.Helper()
	return NewDBQueue(newTestDB(t), logger.NewNop(), cfg)
}

func TestEnqueueClaimAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())

	job, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", map[string]string{"request_id": "r1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != types.QueueJobStatusQueued {
		t.Fatalf("fresh job status = %q", job.Status)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim the enqueued job, got %+v", claimed)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d, want 1", claimed.Attempts)
	}
	if claimed.AckDeadlineAt == nil || !claimed.AckDeadlineAt.After(time.Now()) {
		t.Fatalf("claim should arm a future ack deadline, got %v", claimed.AckDeadlineAt)
	}

	if err := q.Ack(ctx, claimed.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	again, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if again != nil {
		t.Fatalf("acked job was delivered again: %+v", again)
	}
}

func TestOrderingKeySequentialDelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())

	first, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", nil)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", nil)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	other, err := q.Enqueue(ctx, nil, "content_generate", "owner-b", nil)
	if err != nil {
		t.Fatalf("enqueue other key: %v", err)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected the oldest owner-a job first, got %+v", claimed)
	}

	// Same key is blocked while the first delivery is in flight, but another
	// key is not.
	next, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim while running: %v", err)
	}
	if next == nil || next.ID != other.ID {
		t.Fatalf("expected the owner-b job while owner-a is running, got %+v", next)
	}
	blocked, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim with all keys busy: %v", err)
	}
	if blocked != nil {
		t.Fatalf("second owner-a job delivered while first still running: %+v", blocked)
	}

	if err := q.Ack(ctx, claimed.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	unblocked, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if unblocked == nil || unblocked.ID != second.ID {
		t.Fatalf("expected the second owner-a job after ack, got %+v", unblocked)
	}
}

func TestNackSchedulesExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	q := newTestQueue(t, cfg)

	job, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wantDelays := []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second,
	}
	dbq := q.(*dbQueue)
	for attempt, want := range wantDelays {
		job.Attempts = attempt + 1
		if got := dbq.backoff(job.Attempts); got != want {
			t.Fatalf("backoff(attempt %d) = %v, want %v", job.Attempts, got, want)
		}
	}
	// The schedule clamps at the ceiling.
	if got := dbq.backoff(50); got != cfg.BackoffCeil {
		t.Fatalf("backoff far past the window = %v, want %v", got, cfg.BackoffCeil)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	deadLettered, err := q.Nack(ctx, claimed, errors.New("tts timeout"))
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if deadLettered {
		t.Fatalf("first nack should not dead-letter")
	}

	// Not deliverable again until the backoff elapses.
	redelivered, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim during backoff: %v", err)
	}
	if redelivered != nil {
		t.Fatalf("job redelivered before its backoff elapsed: %+v", redelivered)
	}

	var stored types.QueueJob
	if err := dbq.db.First(&stored, "id = ?", claimed.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if stored.Status != types.QueueJobStatusQueued {
		t.Fatalf("nacked job status = %q, want queued", stored.Status)
	}
	delay := time.Until(stored.AvailableAt)
	if delay < 8*time.Second || delay > 10*time.Second {
		t.Fatalf("first redelivery delay = %v, want ~10s", delay)
	}
	if stored.LastError != "tts timeout" {
		t.Fatalf("last_error = %q", stored.LastError)
	}
}

func TestDeadLetterAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffFloor = time.Millisecond
	cfg.BackoffCeil = 2 * time.Millisecond
	q := newTestQueue(t, cfg)

	job, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var deadLettered bool
	for i := 0; i < cfg.MaxAttempts; i++ {
		time.Sleep(5 * time.Millisecond)
		claimed, cErr := q.ClaimNext(ctx)
		if cErr != nil {
			t.Fatalf("claim %d: %v", i+1, cErr)
		}
		if claimed == nil {
			t.Fatalf("claim %d returned nothing", i+1)
		}
		deadLettered, err = q.Nack(ctx, claimed, errors.New("render service down"))
		if err != nil {
			t.Fatalf("nack %d: %v", i+1, err)
		}
	}
	if !deadLettered {
		t.Fatalf("job should be dead-lettered on attempt %d", cfg.MaxAttempts)
	}

	entries, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
	if entries[0].JobID != job.ID {
		t.Fatalf("dead-letter job_id = %s, want %s", entries[0].JobID, job.ID)
	}
	if entries[0].Attempts != cfg.MaxAttempts {
		t.Fatalf("dead-letter attempts = %d, want %d", entries[0].Attempts, cfg.MaxAttempts)
	}

	// Dead jobs are never redelivered, and a duplicate DeadLetter call does
	// not add a second entry.
	time.Sleep(5 * time.Millisecond)
	if redelivered, _ := q.ClaimNext(ctx); redelivered != nil {
		t.Fatalf("dead job was redelivered: %+v", redelivered)
	}
	if err := q.DeadLetter(ctx, job, errors.New("again")); err != nil {
		t.Fatalf("second dead letter: %v", err)
	}
	entries, _ = q.ListDeadLetters(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("duplicate dead-letter entries: %d", len(entries))
	}
}

func TestAckDeadlineExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AckDeadline = 20 * time.Millisecond
	q := newTestQueue(t, cfg)

	if _, err := q.Enqueue(ctx, nil, "content_generate", "owner-a", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("claim: %v %v", first, err)
	}

	// The consumer vanished; after the deadline the same job is claimable
	// again with a bumped attempt count.
	time.Sleep(40 * time.Millisecond)
	second, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected the expired delivery to be reclaimed, got %+v", second)
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts after reclaim = %d, want 2", second.Attempts)
	}
}
